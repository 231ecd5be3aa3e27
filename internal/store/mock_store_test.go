// ABOUTME: Tests for the in-memory Store
// ABOUTME: Runs the shared contract and checks copy semantics and injected errors

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_Contract(t *testing.T) {
	runStoreContract(t, NewMockStore())
}

func TestMockStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	value := []byte("original")
	require.NoError(t, s.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	got[0] = 'Y'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "original", string(again))
}

func TestMockStore_PutErr(t *testing.T) {
	s := NewMockStore()
	s.PutErr = errors.New("disk full")

	err := s.Put(context.Background(), "k", []byte("v"))
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 0, s.Len())
}
