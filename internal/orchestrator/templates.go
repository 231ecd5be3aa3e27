// ABOUTME: Built-in workflow-type templates and templated per-agent replies
// ABOUTME: Renders the multi-agent synthesis with its banner and summary

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// DefaultTemplate runs when a submitted workflow type has no template.
const DefaultTemplate = "default"

// templateAgents lists the agents of each built-in workflow type, in
// execution order.
var templateAgents = map[string][]string{
	"meal_planning":         {packs.NutritionAgent, packs.ShoppingAgent, packs.SchedulerAgent},
	"fitness_scheduling":    {packs.FitnessAgent, packs.SchedulerAgent},
	"shopping_optimization": {packs.ShoppingAgent, packs.SchedulerAgent},
	"health_analysis":       {packs.FitnessAgent, packs.NutritionAgent},
	"schedule_optimization": {packs.SchedulerAgent, packs.FitnessAgent, packs.NutritionAgent},
	"nutrition_planning":    {packs.NutritionAgent, packs.ShoppingAgent},
	"workout_planning":      {packs.FitnessAgent, packs.SchedulerAgent},
	"inventory_management":  {packs.ShoppingAgent, packs.NutritionAgent},
	DefaultTemplate:         {packs.SchedulerAgent},
}

// DefaultTemplates returns the built-in workflow-type definitions. Each
// asks its agents, one after another, to handle the workflow type.
func DefaultTemplates() []workflow.Definition {
	defs := make([]workflow.Definition, 0, len(templateAgents))
	for name, agents := range templateAgents {
		defs = append(defs, workflow.Definition{
			ID:          name,
			Name:        name,
			Description: "Built-in " + strings.ReplaceAll(name, "_", " ") + " workflow",
			Steps:       chain(agents, map[string]any{"workflow_type": name}, true),
		})
	}
	return defs
}

// chain builds one process_query step per agent. Sequential steps each
// depend on the one before.
func chain(agents []string, params map[string]any, sequential bool) []workflow.Step {
	steps := make([]workflow.Step, len(agents))
	for i, agent := range agents {
		steps[i] = workflow.Step{
			ID:         agent,
			Agent:      agent,
			Tool:       packs.QueryTool,
			Parameters: params,
		}
		if sequential && i > 0 {
			steps[i].Dependencies = []string{agents[i-1]}
		}
	}
	return steps
}

// sequential reports whether a strategy runs agents one after another.
func sequential(s intent.Strategy) bool {
	return s == intent.SequentialProcessing || s == intent.ScheduleOptimization
}

// templateReply stands in for an agent that did not answer.
func templateReply(agent, query string) string {
	switch agent {
	case packs.FitnessAgent:
		return fmt.Sprintf("I can help you with fitness and health tracking. For your query about %q, I'll analyze your health data and provide personalized fitness recommendations.", query)
	case packs.NutritionAgent:
		return fmt.Sprintf("I'll help you with meal planning! For %q, I can suggest nutritious recipes and create meal plans that fit your dietary needs.", query)
	case packs.ShoppingAgent:
		return fmt.Sprintf("I'll handle your shopping needs. For %q, I can check your inventory and suggest the best stores and deals for what you need.", query)
	case packs.SchedulerAgent:
		return fmt.Sprintf("I'll manage your schedule and calendar. For %q, I can optimize your time slots and coordinate meetings efficiently.", query)
	}
	return fmt.Sprintf("Agent %s processed your request successfully", agent)
}

// label turns "fitness-agent" into "Fitness Agent".
func label(agent string) string {
	words := strings.FieldsFunc(agent, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// synthesize merges agent replies into one markdown answer. A single
// agent's reply is returned as is.
func synthesize(query string, strategy intent.Strategy, replies []AgentReply) string {
	if len(replies) == 1 {
		return replies[0].Response
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤝 **Multi-Agent Coordination** for: %q\n\n", query)
	for _, r := range replies {
		fmt.Fprintf(&b, "**%s**: %s\n\n", label(r.Agent), r.Response)
	}
	b.WriteString("🎯 **Coordination Summary**: Your specialized agents worked together over the A2A protocol to provide comprehensive assistance")
	if strategy != "" {
		fmt.Fprintf(&b, " using the %s strategy", strategy)
	}
	b.WriteString(".")
	return b.String()
}
