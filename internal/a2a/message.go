// ABOUTME: A2A message and response types with map round-tripping
// ABOUTME: Message ids combine timestamp, sender hash, and a process-wide sequence

package a2a

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"
)

// Priority orders messages for agents that queue work.
type Priority string

// Priority values.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ErrInvalidMessage is returned when a message map is missing required fields.
var ErrInvalidMessage = errors.New("invalid a2a message")

// ParsePriority validates s; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, s)
	}
}

// Message is one agent-to-agent request.
type Message struct {
	MessageID        string         `json:"message_id"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          string         `json:"to_agent"`
	Intent           string         `json:"intent"`
	Payload          map[string]any `json:"payload"`
	SessionID        string         `json:"session_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Priority         Priority       `json:"priority"`
	RequiresResponse bool           `json:"requires_response"`
	Metadata         map[string]any `json:"metadata"`
}

// MessageOption adjusts a message built by NewMessage.
type MessageOption func(*Message)

// WithSession sets the session id.
func WithSession(id string) MessageOption {
	return func(m *Message) { m.SessionID = id }
}

// WithPriority sets the priority.
func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Priority = p }
}

// WithMetadata merges md into the message metadata.
func WithMetadata(md map[string]any) MessageOption {
	return func(m *Message) {
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// NoResponse marks the message fire-and-forget.
func NoResponse() MessageOption {
	return func(m *Message) { m.RequiresResponse = false }
}

var messageSeq atomic.Uint64

// NewMessageID returns a process-unique id for a message sent by from.
func NewMessageID(from string) string {
	h := fnv.New32a()
	h.Write([]byte(from))
	return fmt.Sprintf("msg_%d_%08x_%d", time.Now().UnixNano(), h.Sum32(), messageSeq.Add(1))
}

// NewMessage builds a message with a fresh id, the current UTC time,
// normal priority, and RequiresResponse set.
func NewMessage(from, to, intent string, payload map[string]any, opts ...MessageOption) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	m := Message{
		MessageID:        NewMessageID(from),
		FromAgent:        from,
		ToAgent:          to,
		Intent:           intent,
		Payload:          payload,
		Timestamp:        time.Now().UTC(),
		Priority:         PriorityNormal,
		RequiresResponse: true,
		Metadata:         map[string]any{},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// ToMap renders the message in its wire shape.
func (m Message) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return decodeMap(raw)
}

// MessageFromMap rebuilds a message from its wire shape.
func MessageFromMap(data map[string]any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return DecodeMessage(raw)
}

// DecodeMessage parses and validates a JSON message.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}

// Validate checks required fields and normalizes priority.
func (m *Message) Validate() error {
	switch {
	case m.MessageID == "":
		return fmt.Errorf("%w: message_id is required", ErrInvalidMessage)
	case m.FromAgent == "":
		return fmt.Errorf("%w: from_agent is required", ErrInvalidMessage)
	case m.ToAgent == "":
		return fmt.Errorf("%w: to_agent is required", ErrInvalidMessage)
	case m.Intent == "":
		return fmt.Errorf("%w: intent is required", ErrInvalidMessage)
	}
	p, err := ParsePriority(string(m.Priority))
	if err != nil {
		return err
	}
	m.Priority = p
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return nil
}

// Response is the router's view of an agent's answer to a Message.
type Response struct {
	MessageID string         `json:"message_id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Transport is set when the failure happened before the agent replied.
	Transport bool `json:"-"`
}

// Reply is the body an agent returns from POST /a2a/message.
type Reply struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResponseTo builds the response to msg from an agent's reply, reversing
// the direction of the message.
func ResponseTo(msg Message, reply Reply) Response {
	return Response{
		MessageID: msg.MessageID,
		FromAgent: msg.ToAgent,
		ToAgent:   msg.FromAgent,
		Success:   reply.Success,
		Data:      reply.Data,
		Error:     reply.Error,
		Timestamp: time.Now().UTC(),
		Metadata:  reply.Metadata,
	}
}

// Failure builds an unsuccessful response to msg.
func Failure(msg Message, errMsg string) Response {
	return ResponseTo(msg, Reply{Success: false, Error: errMsg})
}

// TransportFailure builds the response for a message that never got a reply.
func TransportFailure(msg Message, errMsg string) Response {
	resp := Failure(msg, errMsg)
	resp.Transport = true
	return resp
}

func decodeMap(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding message map: %w", err)
	}
	return out, nil
}
