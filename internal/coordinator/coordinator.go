// ABOUTME: Master coordinator that classifies queries, remembers user facts, and routes
// ABOUTME: Answers conversational queries directly and hands task queries to agents

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/memory"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/textgen"
)

// DefaultUser owns queries that arrive without a user id.
const DefaultUser = "default"

// HistoryTurns is how many earlier turns are sent to the generator.
const HistoryTurns = 3

// FallbackAgent receives queries that no agent claims.
const FallbackAgent = packs.FitnessAgent

// Roles describes each worker agent for prompts and status.
var Roles = map[string]string{
	packs.FitnessAgent:   "Fitness & health tracking",
	packs.NutritionAgent: "Meal planning & nutrition",
	packs.ShoppingAgent:  "Shopping & inventory management",
	packs.SchedulerAgent: "Scheduling & calendar coordination",
}

// Query is one user request.
type Query struct {
	Text      string `json:"query"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Reply is the coordinator's answer. Response is set for conversational
// and unrouteable queries; ShouldForward is set when agents must act.
type Reply struct {
	Decision      intent.Decision `json:"routing_decision"`
	Response      string          `json:"coordinator_response,omitempty"`
	ShouldForward bool            `json:"should_forward_to_agents"`
	Generated     bool            `json:"generated"`
}

// AgentCatalog lists known agents and their tools.
type AgentCatalog interface {
	Agents() []string
	ToolNames(agent string) []string
}

// Config configures a Coordinator.
type Config struct {
	Classifier *intent.Classifier
	Memory     *memory.Service
	Generator  textgen.Generator
	Catalog    AgentCatalog
	// MemoryBackend is reported by SystemStatus.
	MemoryBackend string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Coordinator is the master coordinator.
type Coordinator struct {
	classifier *intent.Classifier
	memory     *memory.Service
	generator  textgen.Generator
	catalog    AgentCatalog
	backend    string
	logger     *slog.Logger
	now        func() time.Time
	pick       func(int) int
}

// New creates a Coordinator. Classifier and Memory are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("memory service is required")
	}
	c := &Coordinator{
		classifier: cfg.Classifier,
		memory:     cfg.Memory,
		generator:  cfg.Generator,
		catalog:    cfg.Catalog,
		backend:    cfg.MemoryBackend,
		logger:     cfg.Logger,
		now:        cfg.Now,
		pick:       randomPick,
	}
	if c.generator == nil {
		c.generator = textgen.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "coordinator")
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Classifier returns the classifier in use.
func (c *Coordinator) Classifier() *intent.Classifier {
	return c.classifier
}

func userOf(q Query) string {
	if q.UserID == "" {
		return DefaultUser
	}
	return q.UserID
}

// Process handles one query. Memory failures are logged and do not fail
// the query; conversational queries always get a reply.
func (c *Coordinator) Process(ctx context.Context, q Query) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	user := userOf(q)

	if _, err := c.memory.Remember(ctx, user, q.Text); err != nil {
		c.logger.Warn("failed to remember query", "user_id", user, "error", err)
	}

	d := c.classifier.Decide(q.Text)
	c.logger.Info("query classified", "user_id", user, "intent", d.Intent, "agents", d.TargetAgents)

	if d.Intent.Conversational() {
		text, generated := c.converse(ctx, user, q.Text, d.Intent)
		if err := c.memory.AddTurn(ctx, user, memory.Turn{
			Query:    q.Text,
			Response: text,
			Intent:   string(d.Intent),
		}); err != nil {
			c.logger.Warn("failed to record turn", "user_id", user, "error", err)
		}
		return Reply{Decision: d, Response: text, Generated: generated}, nil
	}

	if len(d.TargetAgents) == 0 {
		c.logger.Info("query unrouteable, using fallback agent", "user_id", user, "agent", FallbackAgent)
		return Reply{
			Decision: intent.Decision{
				Intent:         intent.Unknown,
				TargetAgents:   []string{FallbackAgent},
				RequiresAgents: true,
				Query:          q.Text,
				Timestamp:      d.Timestamp,
			},
			Response:      unknownReply(q.Text),
			ShouldForward: true,
		}, nil
	}

	return Reply{Decision: d, ShouldForward: true}, nil
}

func (c *Coordinator) converse(ctx context.Context, user, query string, in intent.Intent) (string, bool) {
	mem, err := c.memory.Load(ctx, user)
	if err != nil {
		c.logger.Warn("failed to load memory", "user_id", user, "error", err)
		mem = &memory.Memory{UserID: user}
	}

	text, err := c.generator.Generate(ctx, textgen.Request{
		SystemPrompt: c.systemPrompt(mem),
		History:      history(mem, query),
		Message:      query,
	})
	if err == nil {
		return text, true
	}
	if !errors.Is(err, textgen.ErrUnavailable) {
		c.logger.Warn("text generation failed, using template", "error", err)
	}
	return fallbackReply(query, in, mem.Name(), c.now(), c.pick), false
}

func history(mem *memory.Memory, current string) []textgen.Turn {
	var out []textgen.Turn
	for _, t := range mem.RecentTurns(HistoryTurns) {
		if t.Query == current {
			continue
		}
		out = append(out, textgen.Turn{User: t.Query, Assistant: t.Response})
	}
	return out
}

func (c *Coordinator) systemPrompt(mem *memory.Memory) string {
	var b strings.Builder
	b.WriteString("You are a helpful personal assistant coordinator. You manage 4 specialized agents:\n")
	for _, agent := range []string{packs.FitnessAgent, packs.NutritionAgent, packs.ShoppingAgent, packs.SchedulerAgent} {
		fmt.Fprintf(&b, "- %s: %s\n", agent, Roles[agent])
	}
	b.WriteString("\n")
	if summary := mem.Summary(); summary != "" {
		fmt.Fprintf(&b, "IMPORTANT CONTEXT: %s\n\n", summary)
	}
	b.WriteString("For casual conversation, respond naturally and helpfully. Keep responses concise (1-2 sentences max).\n")
	if name := mem.Name(); name != "" {
		fmt.Fprintf(&b, "Address the user by name (%s) when appropriate.\n", name)
	}
	fmt.Fprintf(&b, "The current time is %s.\n", c.now().Format("Monday, January 02, 2006 03:04 PM"))
	b.WriteString("If thanked, be gracious. If greeted, be friendly and personal.\n")
	b.WriteString("Remember previous conversations and user preferences.\n")
	b.WriteString("Only mention the agents if specifically asked about your capabilities.")
	return b.String()
}

// AgentInfo describes one worker agent in SystemStatus.
type AgentInfo struct {
	Name  string   `json:"name"`
	Role  string   `json:"role,omitempty"`
	Tools []string `json:"tools"`
}

// Status is the coordinator's self-report.
type Status struct {
	CoordinatorStatus   string          `json:"coordinator_status"`
	UserName            string          `json:"user_name,omitempty"`
	StoredFacts         int             `json:"stored_facts"`
	ConversationHistory int             `json:"conversation_history"`
	SupportedIntents    []intent.Intent `json:"supported_intents"`
	Agents              []AgentInfo     `json:"agent_mappings"`
	TextGeneration      bool            `json:"text_generation_available"`
	PatternVersion      string          `json:"pattern_version"`
	MemoryBackend       string          `json:"memory_backend,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// SystemStatus reports agents, classifier data version, and what is
// remembered about userID.
func (c *Coordinator) SystemStatus(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		userID = DefaultUser
	}
	mem, err := c.memory.Load(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	_, nop := c.generator.(textgen.Nop)
	st := Status{
		CoordinatorStatus:   "active",
		UserName:            mem.Name(),
		StoredFacts:         len(mem.Facts),
		ConversationHistory: len(mem.Conversation),
		SupportedIntents:    slices.Clone(intent.All),
		TextGeneration:      !nop,
		PatternVersion:      c.classifier.Version(),
		MemoryBackend:       c.backend,
		Timestamp:           c.now().UTC(),
	}
	if c.catalog != nil {
		for _, agent := range c.catalog.Agents() {
			st.Agents = append(st.Agents, AgentInfo{
				Name:  agent,
				Role:  Roles[agent],
				Tools: c.catalog.ToolNames(agent),
			})
		}
	}
	return st, nil
}

// MemorySummary is the memory overview for one user.
type MemorySummary struct {
	memory.Stats
	MemoryStatus string `json:"memory_status"`
}

// MemorySummary reports what is remembered about userID.
func (c *Coordinator) MemorySummary(ctx context.Context, userID string) (MemorySummary, error) {
	if userID == "" {
		userID = DefaultUser
	}
	stats, err := c.memory.Stats(ctx, userID)
	if err != nil {
		return MemorySummary{}, err
	}
	return MemorySummary{Stats: stats, MemoryStatus: "active"}, nil
}
