// ABOUTME: Tests for A2A message construction, validation, and map round-trips
// ABOUTME: Covers id uniqueness under concurrency and ISO-8601 timestamp precision

package a2a

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_Defaults(t *testing.T) {
	msg := NewMessage("master-coordinator", "fitness-agent", "execute_tool_workout_planner", nil)

	assert.Regexp(t, `^msg_\d+_[0-9a-f]{8}_\d+$`, msg.MessageID)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.True(t, msg.RequiresResponse)
	assert.NotNil(t, msg.Payload)
	assert.NotNil(t, msg.Metadata)
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
}

func TestNewMessage_Options(t *testing.T) {
	msg := NewMessage("a", "b", "ping", map[string]any{"x": 1},
		WithSession("sess-1"),
		WithPriority(PriorityUrgent),
		WithMetadata(map[string]any{"trace": "t1"}),
		NoResponse(),
	)

	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, PriorityUrgent, msg.Priority)
	assert.Equal(t, "t1", msg.Metadata["trace"])
	assert.False(t, msg.RequiresResponse)
}

func TestMessageIDs_UniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- NewMessageID("same-sender")
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMessage_MapRoundTrip(t *testing.T) {
	orig := NewMessage("master-coordinator", "nutrition-agent", "execute_tool_meal_planner",
		map[string]any{"tool_name": "meal_planner", "parameters": map[string]any{"days": 7}},
		WithSession("sess-9"),
		WithPriority(PriorityHigh),
		WithMetadata(map[string]any{"execution_id": "wf_1_abcd1234"}),
	)

	m, err := orig.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "nutrition-agent", m["to_agent"])
	assert.IsType(t, "", m["timestamp"])

	back, err := MessageFromMap(m)
	require.NoError(t, err)

	assert.Equal(t, orig.MessageID, back.MessageID)
	assert.Equal(t, orig.FromAgent, back.FromAgent)
	assert.Equal(t, orig.ToAgent, back.ToAgent)
	assert.Equal(t, orig.Intent, back.Intent)
	assert.Equal(t, orig.SessionID, back.SessionID)
	assert.Equal(t, orig.Priority, back.Priority)
	assert.Equal(t, orig.RequiresResponse, back.RequiresResponse)
	assert.Equal(t, orig.Metadata, back.Metadata)
	assert.Equal(t, "meal_planner", back.Payload["tool_name"])
	assert.Equal(t, orig.Timestamp.Format(time.RFC3339Nano), back.Timestamp.Format(time.RFC3339Nano))
}

func TestMessageFromMap_Validation(t *testing.T) {
	valid := map[string]any{
		"message_id": "msg_1",
		"from_agent": "a",
		"to_agent":   "b",
		"intent":     "ping",
		"timestamp":  "2026-01-02T15:04:05Z",
	}

	msg, err := MessageFromMap(valid)
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, msg.Priority, "empty priority defaults to normal")
	assert.NotNil(t, msg.Payload)

	for _, field := range []string{"message_id", "from_agent", "to_agent", "intent"} {
		t.Run("missing "+field, func(t *testing.T) {
			m := make(map[string]any, len(valid))
			for k, v := range valid {
				m[k] = v
			}
			delete(m, field)
			_, err := MessageFromMap(m)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	bad := map[string]any{"message_id": "m", "from_agent": "a", "to_agent": "b", "intent": "i", "priority": "critical"}
	_, err = MessageFromMap(bad)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestResponseTo_ReversesDirection(t *testing.T) {
	msg := NewMessage("master-coordinator", "shopping-agent", "execute_tool_deal_finder", nil)
	resp := ResponseTo(msg, Reply{Success: true, Data: map[string]any{"deals": 3}})

	assert.Equal(t, msg.MessageID, resp.MessageID)
	assert.Equal(t, "shopping-agent", resp.FromAgent)
	assert.Equal(t, "master-coordinator", resp.ToAgent)
	assert.True(t, resp.Success)

	fail := Failure(msg, "HTTP 500: boom")
	assert.False(t, fail.Success)
	assert.Equal(t, "HTTP 500: boom", fail.Error)
}
