// ABOUTME: Ordered regex-cascade intent classifier driven by embedded TOML pattern data
// ABOUTME: Resolves target agents and picks a coordination strategy for multi-agent queries

package intent

import (
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/packs"
)

// Intent is the classified purpose of a query.
type Intent string

const (
	Greeting           Intent = "greeting"
	SimpleConversation Intent = "simple_conversation"
	Scheduling         Intent = "scheduling"
	HealthFitness      Intent = "health_fitness"
	Nutrition          Intent = "nutrition"
	Shopping           Intent = "shopping"
	MultiAgent         Intent = "multi_agent"
	Unknown            Intent = "unknown"
)

// All lists every intent in classification order.
var All = []Intent{Greeting, SimpleConversation, Scheduling, HealthFitness, Nutrition, Shopping, MultiAgent, Unknown}

// Conversational reports whether the intent is answered without agents.
func (i Intent) Conversational() bool {
	return i == Greeting || i == SimpleConversation
}

// Strategy names how multiple agents' work is sequenced and merged.
type Strategy string

const (
	ScheduleOptimization Strategy = "schedule_optimization"
	HealthNutritionSync  Strategy = "health_nutrition_sync"
	ShoppingMealPlanning Strategy = "shopping_meal_planning"
	SequentialProcessing Strategy = "sequential_processing"
)

// Decision is the routing outcome for one query.
type Decision struct {
	Intent             Intent    `json:"intent"`
	TargetAgents       []string  `json:"target_agents"`
	RequiresAgents     bool      `json:"requires_agents"`
	MultiAgentWorkflow bool      `json:"multi_agent_workflow"`
	Strategy           Strategy  `json:"coordination_strategy,omitempty"`
	Query              string    `json:"query"`
	Timestamp          time.Time `json:"timestamp"`
}

//go:embed patterns.toml
var defaultPatterns []byte

// Pattern is one regex in a tier.
type Pattern struct {
	Regex         string `toml:"regex"`
	NotFollowedBy string `toml:"not_followed_by"`
}

// Tier is an ordered list of patterns that classify to one intent.
type Tier struct {
	Intent         Intent    `toml:"intent"`
	Conversational bool      `toml:"conversational"`
	Agent          string    `toml:"agent"`
	Patterns       []Pattern `toml:"patterns"`
}

// KeywordSet maps substring keywords to one agent for multi-agent resolution.
type KeywordSet struct {
	Agent string   `toml:"agent"`
	Words []string `toml:"words"`
}

// Patterns is the versioned classification data.
type Patterns struct {
	Version  string       `toml:"version"`
	Tiers    []Tier       `toml:"tiers"`
	Keywords []KeywordSet `toml:"keywords"`
}

// LoadPatterns decodes pattern data and checks that every regex compiles.
func LoadPatterns(data []byte) (*Patterns, error) {
	var p Patterns
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("decoding patterns: %w", err)
	}
	if p.Version == "" {
		return nil, fmt.Errorf("patterns missing version")
	}
	if len(p.Tiers) == 0 {
		return nil, fmt.Errorf("patterns define no tiers")
	}
	seen := make(map[Intent]bool)
	for _, t := range p.Tiers {
		if !slices.Contains(All, t.Intent) {
			return nil, fmt.Errorf("tier has unknown intent %q", t.Intent)
		}
		if seen[t.Intent] {
			return nil, fmt.Errorf("duplicate tier %q", t.Intent)
		}
		seen[t.Intent] = true
		if !t.Conversational && t.Agent == "" {
			return nil, fmt.Errorf("task tier %q has no agent", t.Intent)
		}
		if len(t.Patterns) == 0 {
			return nil, fmt.Errorf("tier %q has no patterns", t.Intent)
		}
		for _, pat := range t.Patterns {
			if _, err := compile(pat); err != nil {
				return nil, fmt.Errorf("tier %q: %w", t.Intent, err)
			}
		}
	}
	return &p, nil
}

// DefaultPatterns returns the embedded pattern data.
func DefaultPatterns() *Patterns {
	p, err := LoadPatterns(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("intent: embedded patterns: %v", err))
	}
	return p
}

type matcher struct {
	re  *regexp.Regexp
	not *regexp.Regexp
}

func compile(p Pattern) (matcher, error) {
	re, err := regexp.Compile("(?i)" + p.Regex)
	if err != nil {
		return matcher{}, fmt.Errorf("compiling %q: %w", p.Regex, err)
	}
	m := matcher{re: re}
	if p.NotFollowedBy != "" {
		not, err := regexp.Compile(`(?i)\A(?:` + p.NotFollowedBy + `)`)
		if err != nil {
			return matcher{}, fmt.Errorf("compiling %q: %w", p.NotFollowedBy, err)
		}
		m.not = not
	}
	return m, nil
}

func (m matcher) match(s string) bool {
	if m.not == nil {
		return m.re.MatchString(s)
	}
	for _, loc := range m.re.FindAllStringIndex(s, -1) {
		if !m.not.MatchString(s[loc[1]:]) {
			return true
		}
	}
	return false
}

type compiledTier struct {
	Tier
	matchers []matcher
}

func (t compiledTier) match(s string) bool {
	for _, m := range t.matchers {
		if m.match(s) {
			return true
		}
	}
	return false
}

type strategyRule struct {
	strategy Strategy
	applies  func(has func(string) bool) bool
}

// Rules are consulted in order and the first that applies wins.
var strategyRules = []strategyRule{
	{ScheduleOptimization, func(has func(string) bool) bool {
		return has(packs.SchedulerAgent) && (has(packs.FitnessAgent) || has(packs.NutritionAgent))
	}},
	{HealthNutritionSync, func(has func(string) bool) bool {
		return has(packs.FitnessAgent) && has(packs.NutritionAgent)
	}},
	{ShoppingMealPlanning, func(has func(string) bool) bool {
		return has(packs.ShoppingAgent) && has(packs.NutritionAgent)
	}},
}

// Classifier maps queries to intents and target agents. It is safe for
// concurrent use.
type Classifier struct {
	version        string
	conversational []compiledTier
	tasks          []compiledTier
	agents         map[Intent]string
	keywords       []KeywordSet
	metrics        *metrics.Metrics
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMetrics records classifications on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l.With("component", "intent")
		}
	}
}

// WithClock overrides the decision timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier compiles p. Pass nil to use the embedded patterns.
func NewClassifier(p *Patterns, opts ...Option) (*Classifier, error) {
	if p == nil {
		p = DefaultPatterns()
	}
	c := &Classifier{
		version:  p.Version,
		agents:   make(map[Intent]string),
		keywords: p.Keywords,
		logger:   slog.Default().With("component", "intent"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, t := range p.Tiers {
		ct := compiledTier{Tier: t}
		for _, pat := range t.Patterns {
			m, err := compile(pat)
			if err != nil {
				return nil, fmt.Errorf("tier %q: %w", t.Intent, err)
			}
			ct.matchers = append(ct.matchers, m)
		}
		if t.Conversational {
			c.conversational = append(c.conversational, ct)
		} else {
			c.tasks = append(c.tasks, ct)
			c.agents[t.Intent] = t.Agent
		}
	}
	return c, nil
}

// Version is the pattern data version in use.
func (c *Classifier) Version() string {
	return c.version
}

// Classify returns the intent for query. Conversational tiers win outright;
// two or more task tiers give MultiAgent; no match gives SimpleConversation.
func (c *Classifier) Classify(query string) Intent {
	q := strings.ToLower(query)
	for _, t := range c.conversational {
		if t.match(q) {
			c.metrics.Classified(string(t.Intent))
			return t.Intent
		}
	}
	var matched []Intent
	for _, t := range c.tasks {
		if t.match(q) {
			matched = append(matched, t.Intent)
		}
	}
	result := SimpleConversation
	switch {
	case len(matched) > 1:
		result = MultiAgent
	case len(matched) == 1:
		result = matched[0]
	}
	c.metrics.Classified(string(result))
	return result
}

// Matches lists every tier whose patterns match query, in tier order.
func (c *Classifier) Matches(query string) []Intent {
	q := strings.ToLower(query)
	var out []Intent
	for _, t := range c.conversational {
		if t.match(q) {
			out = append(out, t.Intent)
		}
	}
	for _, t := range c.tasks {
		if t.match(q) {
			out = append(out, t.Intent)
		}
	}
	return out
}

// ResolveAgents returns the agents that should handle intent. MultiAgent
// uses the keyword scan, which may disagree with the matching tiers.
func (c *Classifier) ResolveAgents(in Intent, query string) []string {
	if in == MultiAgent {
		q := strings.ToLower(query)
		var out []string
		for _, set := range c.keywords {
			for _, w := range set.Words {
				if strings.Contains(q, w) {
					out = append(out, set.Agent)
					break
				}
			}
		}
		return out
	}
	if agent, ok := c.agents[in]; ok {
		return []string{agent}
	}
	return nil
}

// SelectStrategy picks the coordination strategy for a set of agents.
func (c *Classifier) SelectStrategy(agents []string) Strategy {
	has := func(a string) bool { return slices.Contains(agents, a) }
	for _, r := range strategyRules {
		if r.applies(has) {
			return r.strategy
		}
	}
	return SequentialProcessing
}

// Decide classifies query and resolves its routing. A task intent that
// resolves to no agents is reported as-is with empty TargetAgents; callers
// treat that as the unrouteable path.
func (c *Classifier) Decide(query string) Decision {
	in := c.Classify(query)
	d := Decision{
		Intent:    in,
		Query:     query,
		Timestamp: c.now().UTC(),
	}
	if in.Conversational() {
		c.logger.Debug("classified conversational", "intent", in)
		return d
	}
	d.TargetAgents = c.ResolveAgents(in, query)
	d.RequiresAgents = len(d.TargetAgents) > 0
	d.MultiAgentWorkflow = len(d.TargetAgents) > 1
	if in == MultiAgent {
		d.Strategy = c.SelectStrategy(d.TargetAgents)
	}
	c.logger.Debug("classified",
		"intent", in,
		"agents", d.TargetAgents,
		"strategy", d.Strategy,
	)
	return d
}
