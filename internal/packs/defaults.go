// ABOUTME: Built-in tool packs for the four worker agents
// ABOUTME: Scheduler, shopping, fitness, and nutrition tools with optional parameter schemas

package packs

import "log/slog"

// Agent names of the built-in worker agents.
const (
	SchedulerAgent = "scheduler-agent"
	FitnessAgent   = "fitness-agent"
	NutritionAgent = "nutrition-agent"
	ShoppingAgent  = "shopping-agent"
)

var daysSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"days": map[string]any{"type": "integer", "minimum": 1, "maximum": 14},
	},
}

// DefaultPacks returns the built-in tool definitions keyed by agent.
func DefaultPacks() map[string][]ToolDefinition {
	return map[string][]ToolDefinition{
		SchedulerAgent: {
			{Name: "calendar_manager", Description: "Create, move, and list calendar events"},
			{Name: "scheduling_optimizer", Description: "Find the best time slots for a set of tasks"},
			{Name: "time_tracker", Description: "Summarize where time was spent"},
			{Name: "focus_blocker", Description: "Reserve focus blocks on the calendar"},
			{Name: "timezone_handler", Description: "Convert times between zones"},
		},
		ShoppingAgent: {
			{Name: "deal_finder", Description: "Find current deals for a list of items"},
			{Name: "price_comparator", Description: "Compare prices across stores"},
			{Name: "shopping_optimizer", Description: "Build an optimized shopping list"},
			{Name: "pantry_tracker", Description: "Track pantry inventory and expiry"},
		},
		FitnessAgent: {
			{Name: "fitness_tracker", Description: "Record and summarize activity"},
			{Name: "health_analyzer", Description: "Analyze health metrics and trends"},
			{Name: "workout_planner", Description: "Plan workouts for the coming days", Parameters: daysSchema},
			{Name: "recovery_monitor", Description: "Assess recovery and rest needs"},
		},
		NutritionAgent: {
			{Name: "nutrition_analyzer", Description: "Analyze nutrition of meals"},
			{Name: "meal_planner", Description: "Plan meals for the coming days", Parameters: daysSchema},
			{Name: "recipe_engine", Description: "Suggest recipes from ingredients"},
		},
	}
}

// Default returns a registry holding the built-in packs, registered in a
// fixed agent order.
func Default(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	defs := DefaultPacks()
	for _, agent := range []string{SchedulerAgent, FitnessAgent, NutritionAgent, ShoppingAgent} {
		if err := r.RegisterPack(agent, defs[agent]); err != nil {
			// Built-in packs are static; a failure here is a programming error.
			panic(err)
		}
	}
	return r
}
