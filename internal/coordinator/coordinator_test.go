// ABOUTME: Tests for query processing, fallback templates, generator use, and status
// ABOUTME: Uses the embedded classifier patterns and an in-memory store

package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/memory"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/textgen"
)

var testNow = time.Date(2025, 6, 2, 15, 4, 0, 0, time.UTC)

type fakeGenerator struct {
	reply string
	err   error
	reqs  []textgen.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req textgen.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

func newTestCoordinator(t *testing.T, gen textgen.Generator) (*Coordinator, *memory.Service) {
	t.Helper()
	now := func() time.Time { return testNow }
	cls, err := intent.NewClassifier(nil, intent.WithClock(now))
	require.NoError(t, err)
	mem := memory.NewService(memory.Config{Store: store.NewMockStore(), Now: now})
	c, err := New(Config{
		Classifier:    cls,
		Memory:        mem,
		Generator:     gen,
		Catalog:       packs.Default(nil),
		MemoryBackend: "memory",
		Now:           now,
	})
	require.NoError(t, err)
	c.pick = func(int) int { return 0 }
	return c, mem
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestProcess_Greeting(t *testing.T) {
	c, mem := newTestCoordinator(t, nil)
	ctx := context.Background()

	reply, err := c.Process(ctx, Query{Text: "hello", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, intent.Greeting, reply.Decision.Intent)
	assert.Empty(t, reply.Decision.TargetAgents)
	assert.False(t, reply.ShouldForward)
	assert.False(t, reply.Generated)
	assert.True(t, strings.HasPrefix(reply.Response, "Hello! "), reply.Response)

	m, err := mem.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, m.Conversation, 1)
	assert.Equal(t, "greeting", m.Conversation[0].Intent)
}

func TestProcess_GreetingWithTaskWords(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	reply, err := c.Process(context.Background(), Query{Text: "hi, can you schedule a meeting"})
	require.NoError(t, err)
	assert.Equal(t, intent.Greeting, reply.Decision.Intent)
	assert.False(t, reply.ShouldForward)
	assert.NotEmpty(t, reply.Response)
}

func TestProcess_NameIsRememberedAndUsed(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	reply, err := c.Process(ctx, Query{Text: "my name is sam", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, intent.SimpleConversation, reply.Decision.Intent)
	assert.Equal(t, "Nice to meet you, Sam! I'll remember that. How can I help you today?", reply.Response)

	reply, err = c.Process(ctx, Query{Text: "thanks", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "You're very welcome Sam! I'm here whenever you need help coordinating your personal life management.", reply.Response)

	reply, err = c.Process(ctx, Query{Text: "hey", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Response, "Hello Sam! "), reply.Response)
}

func TestFallbackReply(t *testing.T) {
	first := func(int) int { return 0 }

	tests := []struct {
		name  string
		query string
		in    intent.Intent
		user  string
		want  string
	}{
		{"farewell", "bye for now", intent.SimpleConversation, "", "Goodbye! Your agents will be here whenever you need them. Take care!"},
		{"help", "help", intent.SimpleConversation, "", helpText},
		{"who", "who are you", intent.SimpleConversation, "", whoText},
		{"date", "what day is it", intent.SimpleConversation, "Ann", "Today is Monday, June 02, 2025, Ann! The current time is 03:04 PM."},
		{"date without name", "what's the date", intent.SimpleConversation, "", "Today is Monday, June 02, 2025, there! The current time is 03:04 PM."},
		{"your name", "what's your name", intent.SimpleConversation, "", whoText},
		{"generic", "nice weather", intent.SimpleConversation, "Ann", "I understand Ann! Is there anything specific you'd like help with regarding your meals, fitness, shopping, or schedule?"},
		{"name without memory", "call me", intent.SimpleConversation, "", "Nice to meet you! I'll remember that. How can I help you today?"},
		{"other intent", "x", intent.Shopping, "", "I'm here to help with whatever you need!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackReply(tt.query, tt.in, tt.user, testNow, first))
		})
	}
}

func TestFallbackReply_GreetingsAllCarryName(t *testing.T) {
	for i := range greetings {
		got := fallbackReply("hi", intent.Greeting, "Ann", testNow, func(int) int { return i })
		assert.Contains(t, got, " Ann!")
	}
}

func TestProcess_UsesGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "Hey Sam, good to see you."}
	c, mem := newTestCoordinator(t, gen)
	ctx := context.Background()

	require.NoError(t, mem.AddTurn(ctx, "u1", memory.Turn{Query: "older", Response: "r0"}))
	require.NoError(t, mem.AddTurn(ctx, "u1", memory.Turn{Query: "hello", Response: "r1"}))
	require.NoError(t, mem.AddTurn(ctx, "u1", memory.Turn{Query: "how are you", Response: "r2"}))
	require.NoError(t, mem.AddTurn(ctx, "u1", memory.Turn{Query: "i like tea", Response: "r3"}))

	_, err := c.Process(ctx, Query{Text: "call me sam", UserID: "u1"})
	require.NoError(t, err)
	reply, err := c.Process(ctx, Query{Text: "hello", UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, reply.Generated)
	assert.Equal(t, "Hey Sam, good to see you.", reply.Response)

	require.Len(t, gen.reqs, 2)
	req := gen.reqs[1]
	assert.Equal(t, "hello", req.Message)
	assert.Contains(t, req.SystemPrompt, "IMPORTANT CONTEXT: User's name is Sam")
	assert.Contains(t, req.SystemPrompt, "Address the user by name (Sam)")
	// Last three turns are "how are you", "i like tea", "call me sam"; none repeat the query.
	require.Len(t, req.History, 3)
	assert.Equal(t, "how are you", req.History[0].User)
	assert.Equal(t, "call me sam", req.History[2].User)
}

func TestProcess_GeneratorFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	c, _ := newTestCoordinator(t, gen)

	reply, err := c.Process(context.Background(), Query{Text: "thank you"})
	require.NoError(t, err)
	assert.False(t, reply.Generated)
	assert.Equal(t, "You're very welcome! I'm here whenever you need help coordinating your personal life management.", reply.Response)
}

func TestProcess_SingleAgent(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	reply, err := c.Process(context.Background(), Query{Text: "What should I cook for dinner?"})
	require.NoError(t, err)
	assert.Equal(t, intent.Nutrition, reply.Decision.Intent)
	assert.Equal(t, []string{packs.NutritionAgent}, reply.Decision.TargetAgents)
	assert.True(t, reply.ShouldForward)
	assert.Empty(t, reply.Response)
}

func TestProcess_MultiAgent(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	reply, err := c.Process(context.Background(), Query{Text: "I need to buy groceries and plan a workout"})
	require.NoError(t, err)
	assert.Equal(t, intent.MultiAgent, reply.Decision.Intent)
	assert.Equal(t, []string{packs.FitnessAgent, packs.ShoppingAgent}, reply.Decision.TargetAgents)
	assert.Equal(t, intent.SequentialProcessing, reply.Decision.Strategy)
	assert.True(t, reply.Decision.MultiAgentWorkflow)
	assert.True(t, reply.ShouldForward)
}

func TestProcess_Unrouteable(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	q := "find an available slot for muscle building"
	reply, err := c.Process(context.Background(), Query{Text: q})
	require.NoError(t, err)
	assert.Equal(t, intent.Unknown, reply.Decision.Intent)
	assert.Equal(t, []string{packs.FitnessAgent}, reply.Decision.TargetAgents)
	assert.True(t, reply.Decision.RequiresAgents)
	assert.True(t, reply.ShouldForward)
	assert.Contains(t, reply.Response, `"`+q+`"`)
	assert.Contains(t, reply.Response, "I need to buy groceries")
}

func TestProcess_CanceledContext(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Process(ctx, Query{Text: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcess_MemoryFailureStillReplies(t *testing.T) {
	now := func() time.Time { return testNow }
	cls, err := intent.NewClassifier(nil)
	require.NoError(t, err)
	st := store.NewMockStore()
	st.PutErr = errors.New("read-only")
	c, err := New(Config{
		Classifier: cls,
		Memory:     memory.NewService(memory.Config{Store: st, Now: now}),
		Now:        now,
	})
	require.NoError(t, err)

	reply, err := c.Process(context.Background(), Query{Text: "my name is sam"})
	require.NoError(t, err)
	assert.Equal(t, "Nice to meet you! I'll remember that. How can I help you today?", reply.Response)
}

func TestSystemStatus(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.Process(ctx, Query{Text: "my name is ann and I prefer tea", UserID: "u1"})
	require.NoError(t, err)

	st, err := c.SystemStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", st.CoordinatorStatus)
	assert.Equal(t, "Ann", st.UserName)
	assert.Equal(t, 1, st.StoredFacts)
	assert.Equal(t, 1, st.ConversationHistory)
	assert.False(t, st.TextGeneration)
	assert.Equal(t, intent.DefaultPatterns().Version, st.PatternVersion)
	assert.Equal(t, "memory", st.MemoryBackend)
	assert.Contains(t, st.SupportedIntents, intent.MultiAgent)
	require.Len(t, st.Agents, 4)
	assert.Equal(t, packs.SchedulerAgent, st.Agents[0].Name)
	assert.Equal(t, Roles[packs.SchedulerAgent], st.Agents[0].Role)
	assert.Contains(t, st.Agents[0].Tools, "calendar_manager")
}

func TestMemorySummary(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.Process(ctx, Query{Text: "I'm vegan"})
	require.NoError(t, err)

	sum, err := c.MemorySummary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "active", sum.MemoryStatus)
	assert.Equal(t, "Vegan", sum.UserProfile["name"])
	require.Len(t, sum.RecentFacts, 1)
	assert.Equal(t, 1, sum.ConversationCount)
}
