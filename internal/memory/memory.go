// ABOUTME: Per-user memory service with bounded facts and conversation turns
// ABOUTME: Extracts names, preferences, health notes, and goals from free text

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/store"
)

const (
	// MaxFacts caps remembered facts; the oldest are evicted first.
	MaxFacts = 50
	// MaxTurns caps remembered conversation turns; the oldest are evicted first.
	MaxTurns = 20
	// RecentFacts is how many facts Summary and Stats surface.
	RecentFacts = 5

	keyPrefix = "memory/"
)

// ErrNoUser is returned for an empty user id.
var ErrNoUser = errors.New("user id required")

// Fact is one remembered statement.
type Fact struct {
	Text      string    `json:"fact"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is one query and the reply it got.
type Turn struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Intent    string    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is everything kept about one user.
type Memory struct {
	UserID       string            `json:"user_id"`
	Profile      map[string]string `json:"user_profile"`
	Preferences  map[string]string `json:"preferences"`
	Facts        []Fact            `json:"important_facts"`
	Conversation []Turn            `json:"conversation_context"`
}

func newMemory(userID string) *Memory {
	return &Memory{
		UserID:      userID,
		Profile:     make(map[string]string),
		Preferences: make(map[string]string),
	}
}

// Name is the user's name if one has been learned.
func (m *Memory) Name() string {
	return m.Profile["name"]
}

// RecentTurns returns up to n of the latest turns, oldest first.
func (m *Memory) RecentTurns(n int) []Turn {
	if n <= 0 || len(m.Conversation) == 0 {
		return nil
	}
	start := max(len(m.Conversation)-n, 0)
	return slices.Clone(m.Conversation[start:])
}

func (m *Memory) addFact(text string, at time.Time) {
	m.Facts = append(m.Facts, Fact{Text: text, Timestamp: at})
	if len(m.Facts) > MaxFacts {
		m.Facts = slices.Clone(m.Facts[len(m.Facts)-MaxFacts:])
	}
}

func (m *Memory) addTurn(t Turn) {
	m.Conversation = append(m.Conversation, t)
	if len(m.Conversation) > MaxTurns {
		m.Conversation = slices.Clone(m.Conversation[len(m.Conversation)-MaxTurns:])
	}
}

// Summary renders the context line used when generating replies:
// name, the latest facts, then preferences, joined with "; ".
func (m *Memory) Summary() string {
	var parts []string
	if name := m.Name(); name != "" {
		parts = append(parts, "User's name is "+name)
	}
	start := max(len(m.Facts)-RecentFacts, 0)
	for _, f := range m.Facts[start:] {
		parts = append(parts, "Remember: "+f.Text)
	}
	if len(m.Preferences) > 0 {
		prefs := make([]string, 0, len(m.Preferences))
		for _, k := range slices.Sorted(maps.Keys(m.Preferences)) {
			prefs = append(prefs, k+": "+m.Preferences[k])
		}
		parts = append(parts, "Preferences: "+strings.Join(prefs, ", "))
	}
	return strings.Join(parts, "; ")
}

// Stats is the memory overview reported by the coordinator.
type Stats struct {
	UserProfile       map[string]string `json:"user_profile"`
	Preferences       map[string]string `json:"preferences"`
	RecentFacts       []Fact            `json:"recent_facts"`
	ConversationCount int               `json:"conversation_count"`
}

// Learned reports what Remember extracted from one message.
type Learned struct {
	Name string
	Fact bool
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`my name is (\w+)`),
	regexp.MustCompile(`\bi'?m (\w+)`),
	regexp.MustCompile(`call me (\w+)`),
	regexp.MustCompile(`\bi am (\w+)`),
}

// Each group of cues marks a message as worth remembering verbatim.
var factCues = [][]string{
	{"i like", "i prefer"},
	{"allergic", "allergy", "diet", "vegetarian", "vegan"},
	{"my goal", "want to", "trying to", "plan to"},
}

// Extract finds a name introduction and whether text holds a fact worth
// keeping. It does not touch storage.
func Extract(text string) Learned {
	lower := strings.ToLower(text)
	var l Learned
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			l.Name = capitalize(m[1])
			break
		}
	}
	for _, cues := range factCues {
		for _, cue := range cues {
			if strings.Contains(lower, cue) {
				l.Fact = true
				break
			}
		}
	}
	return l
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// Config configures a Service.
type Config struct {
	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Service loads and updates user memories. Updates are serialized so
// concurrent Remember and AddTurn calls for one user do not lose writes.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewService creates a Service over cfg.Store.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		logger: logger.With("component", "memory"),
		now:    now,
	}
}

func key(userID string) string {
	return keyPrefix + userID
}

// Load returns the user's memory, or an empty one if nothing is stored.
func (s *Service) Load(ctx context.Context, userID string) (*Memory, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	m := newMemory(userID)
	err := store.GetJSON(ctx, s.store, key(userID), m)
	if errors.Is(err, store.ErrNotFound) {
		return newMemory(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading memory for %s: %w", userID, err)
	}
	if m.Profile == nil {
		m.Profile = make(map[string]string)
	}
	if m.Preferences == nil {
		m.Preferences = make(map[string]string)
	}
	m.UserID = userID
	return m, nil
}

// Save writes m back to the store.
func (s *Service) Save(ctx context.Context, m *Memory) error {
	if m == nil || m.UserID == "" {
		return ErrNoUser
	}
	if err := store.PutJSON(ctx, s.store, key(m.UserID), m); err != nil {
		return fmt.Errorf("saving memory for %s: %w", m.UserID, err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, userID string, fn func(*Memory)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	fn(m)
	return s.Save(ctx, m)
}

// Remember scans text for a name and facts and stores what it finds.
func (s *Service) Remember(ctx context.Context, userID, text string) (Learned, error) {
	l := Extract(text)
	if l.Name == "" && !l.Fact {
		return l, nil
	}
	err := s.update(ctx, userID, func(m *Memory) {
		if l.Name != "" {
			m.Profile["name"] = l.Name
		}
		if l.Fact {
			m.addFact(text, s.now().UTC())
		}
	})
	if err != nil {
		return Learned{}, err
	}
	s.logger.Debug("remembered", "user_id", userID, "name", l.Name, "fact", l.Fact)
	return l, nil
}

// SetProfile sets one profile field.
func (s *Service) SetProfile(ctx context.Context, userID, field, value string) error {
	return s.update(ctx, userID, func(m *Memory) {
		m.Profile[field] = value
	})
}

// SetPreference records a preference under category.
func (s *Service) SetPreference(ctx context.Context, userID, category, value string) error {
	return s.update(ctx, userID, func(m *Memory) {
		m.Preferences[category] = value
	})
}

// AddTurn appends one conversation turn.
func (s *Service) AddTurn(ctx context.Context, userID string, t Turn) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now().UTC()
	}
	return s.update(ctx, userID, func(m *Memory) {
		m.addTurn(t)
	})
}

// Summary returns the context line for the user.
func (s *Service) Summary(ctx context.Context, userID string) (string, error) {
	m, err := s.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.Summary(), nil
}

// Stats returns the user's profile, preferences, recent facts, and turn count.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	m, err := s.Load(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	start := max(len(m.Facts)-RecentFacts, 0)
	return Stats{
		UserProfile:       m.Profile,
		Preferences:       m.Preferences,
		RecentFacts:       slices.Clone(m.Facts[start:]),
		ConversationCount: len(m.Conversation),
	}, nil
}

// Forget deletes everything stored for the user.
func (s *Service) Forget(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, key(userID)); err != nil {
		return fmt.Errorf("forgetting %s: %w", userID, err)
	}
	return nil
}
