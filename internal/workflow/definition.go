// ABOUTME: Definition validation, JSON wire form, and schema-checked parsing
// ABOUTME: Detects duplicate ids, self-references, and dependency cycles

package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefinitionSchema is the JSON Schema for a posted workflow definition.
// Timeouts are in seconds.
const DefinitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "workflow_id": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "timeout": {"type": "number", "exclusiveMinimum": 0},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_id", "agent", "tool"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "agent": {"type": "string", "minLength": 1},
          "tool": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"},
          "dependencies": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
          "timeout": {"type": "number", "exclusiveMinimum": 0},
          "max_retries": {"type": "integer", "minimum": -1, "maximum": 10}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var definitionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(DefinitionSchema))
	if err != nil {
		panic(fmt.Sprintf("workflow definition schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("definition.json", doc); err != nil {
		panic(fmt.Sprintf("workflow definition schema: %v", err))
	}
	schema, err := c.Compile("definition.json")
	if err != nil {
		panic(fmt.Sprintf("workflow definition schema: %v", err))
	}
	return schema
}

// ParseDefinition validates raw against DefinitionSchema and decodes it.
// The result still has to pass Register.
func ParseDefinition(raw []byte) (Definition, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := definitionSchema.Validate(inst); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

type stepWire struct {
	ID           string         `json:"step_id"`
	Agent        string         `json:"agent"`
	Tool         string         `json:"tool"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Timeout      float64        `json:"timeout,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
}

// MarshalJSON writes the timeout in seconds.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepWire{
		ID:           s.ID,
		Agent:        s.Agent,
		Tool:         s.Tool,
		Parameters:   s.Parameters,
		Dependencies: s.Dependencies,
		Timeout:      s.Timeout.Seconds(),
		MaxRetries:   s.MaxRetries,
	})
}

// UnmarshalJSON reads the timeout in seconds.
func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Step{
		ID:           w.ID,
		Agent:        w.Agent,
		Tool:         w.Tool,
		Parameters:   w.Parameters,
		Dependencies: w.Dependencies,
		Timeout:      seconds(w.Timeout),
		MaxRetries:   w.MaxRetries,
	}
	return nil
}

type definitionWire struct {
	ID          string    `json:"workflow_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	Timeout     float64   `json:"timeout,omitempty"`
}

// MarshalJSON writes the timeout in seconds.
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(definitionWire{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Steps:       d.Steps,
		CreatedAt:   d.CreatedAt,
		Timeout:     d.Timeout.Seconds(),
	})
}

// UnmarshalJSON reads the timeout in seconds.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var w definitionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Definition{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Steps:       w.Steps,
		CreatedAt:   w.CreatedAt,
		Timeout:     seconds(w.Timeout),
	}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// validateSteps checks the structural rules every step list must meet.
// Dependencies naming a step outside the list are reported in dangling;
// they are not an error here and surface as a deadlock when the
// workflow runs.
func validateSteps(steps []Step) (dangling []string, err error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		switch {
		case s.ID == "":
			return nil, fmt.Errorf("%w: step %d has no step_id", ErrInvalidDefinition, i)
		case s.Agent == "":
			return nil, fmt.Errorf("%w: step %s has no agent", ErrInvalidDefinition, s.ID)
		case s.Tool == "":
			return nil, fmt.Errorf("%w: step %s has no tool", ErrInvalidDefinition, s.ID)
		case s.Timeout < 0:
			return nil, fmt.Errorf("%w: step %s has a negative timeout", ErrInvalidDefinition, s.ID)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step_id %s", ErrInvalidDefinition, s.ID)
		}
		index[s.ID] = i
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return nil, fmt.Errorf("%w: step %s depends on itself", ErrInvalidDefinition, s.ID)
			}
			if _, ok := index[dep]; !ok {
				dangling = append(dangling, s.ID+"→"+dep)
			}
		}
	}

	if cycle := findCycle(steps, index); cycle != nil {
		return nil, fmt.Errorf("%w: dependency cycle %s", ErrInvalidDefinition, strings.Join(cycle, " → "))
	}
	sort.Strings(dangling)
	return dangling, nil
}

// findCycle returns one dependency cycle among known steps, or nil.
func findCycle(steps []Step, index map[string]int) []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(steps))
	var stack []string

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = grey
		stack = append(stack, steps[i].ID)
		for _, dep := range steps[i].Dependencies {
			j, ok := index[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case grey:
				for k, id := range stack {
					if id == dep {
						return append(append([]string(nil), stack[k:]...), dep)
					}
				}
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range steps {
		if color[i] == white {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}
