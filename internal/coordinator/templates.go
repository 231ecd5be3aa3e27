// ABOUTME: Fixed replies used when text generation is unavailable or fails
// ABOUTME: Covers greetings, small talk, and the unrouteable-query message

package coordinator

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/intent"
)

const helpText = "I coordinate between 4 specialized agents:\n" +
	"• **Fitness agent** - Fitness & health tracking\n" +
	"• **Nutrition agent** - Meal planning & nutrition\n" +
	"• **Shopping agent** - Shopping & inventory management\n" +
	"• **Scheduler agent** - Scheduling & calendar coordination\n\n" +
	"Just ask about meals, workouts, shopping, or scheduling!"

const whoText = "I'm the Master Coordinator for your Personal Life Coordination system. " +
	"I route your requests to the right agents and handle simple conversations without bothering them unnecessarily."

var greetings = []string{
	"Hello%s! I'm your Personal Life Coordination system. I'm here to help you manage your meals, health, shopping, and scheduling through my specialized agents.",
	"Hi there%s! Your fitness, nutrition, shopping, and scheduler agents are all ready to help. What would you like to work on today?",
	"Good to see you%s! I coordinate between your personal agents to help with fitness, nutrition, shopping, and scheduling. How can we assist you today?",
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// fallbackReply answers a conversational query without a generator.
func fallbackReply(query string, in intent.Intent, name string, now time.Time, pick func(int) int) string {
	namePart := ""
	if name != "" {
		namePart = " " + name
	}

	switch in {
	case intent.Greeting:
		return fmt.Sprintf(greetings[pick(len(greetings))], namePart)

	case intent.SimpleConversation:
		q := strings.ToLower(query)
		switch {
		case containsAny(q, "my name is", "i am", "call me", "i'm"):
			if name != "" {
				return fmt.Sprintf("Nice to meet you, %s! I'll remember that. How can I help you today?", name)
			}
			return "Nice to meet you! I'll remember that. How can I help you today?"
		case strings.Contains(q, "thank"):
			return fmt.Sprintf("You're very welcome%s! I'm here whenever you need help coordinating your personal life management.", namePart)
		case containsAny(q, "bye", "goodbye", "see you"):
			return fmt.Sprintf("Goodbye%s! Your agents will be here whenever you need them. Take care!", namePart)
		case containsAny(q, "help", "what can you do"):
			return helpText
		case strings.Contains(q, "who are you"):
			return whoText
		case containsAny(q, "day", "date", "time", "today"):
			who := name
			if who == "" {
				who = "there"
			}
			return fmt.Sprintf("Today is %s, %s! The current time is %s.",
				now.Format("Monday, January 02, 2006"), who, now.Format("03:04 PM"))
		case containsAny(q, "your name", "tell me your name", "what are you called"):
			return whoText
		default:
			return fmt.Sprintf("I understand%s! Is there anything specific you'd like help with regarding your meals, fitness, shopping, or schedule?", namePart)
		}
	}
	return fmt.Sprintf("I'm here to help with whatever you need%s!", namePart)
}

// unknownReply is sent when a task-like query resolves to no agent.
func unknownReply(query string) string {
	return fmt.Sprintf(`I'm not quite sure how to categorize your request: %q

Let me help by routing it to our general-purpose fitness agent, who can then coordinate with others if needed. Alternatively, you can be more specific:

• For **meals & nutrition**: "What should I eat for dinner?"
• For **fitness & health**: "Plan my workout routine"
• For **shopping**: "I need to buy groceries"
• For **scheduling**: "Schedule a meeting tomorrow"

How would you like me to help?`, query)
}

func randomPick(n int) int {
	return rand.IntN(n)
}
