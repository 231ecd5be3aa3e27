// ABOUTME: In-memory session manager with inactivity expiry and workflow tracking
// ABOUTME: Sessions snapshot to and restore from the key/value store

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/store"
)

// DefaultTimeout is how long a session survives without activity.
const DefaultTimeout = 24 * time.Hour

// ActiveWindow is the recency that counts a session as active in Stats.
const ActiveWindow = 5 * time.Minute

// DefaultPermission is granted when Create is given no permissions.
const DefaultPermission = "read"

const keyPrefix = "session/"

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	ErrInvalid  = errors.New("invalid session data")
)

// Session is one user's interaction context.
type Session struct {
	ID              string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	Metadata        map[string]any `json:"metadata"`
	Permissions     []string       `json:"permissions"`
	ActiveWorkflows []string       `json:"active_workflows"`
}

// HasPermission reports whether the session grants perm.
func (s Session) HasPermission(perm string) bool {
	return slices.Contains(s.Permissions, perm)
}

func (s *Session) clone() Session {
	c := *s
	c.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	c.Permissions = slices.Clone(s.Permissions)
	c.ActiveWorkflows = slices.Clone(s.ActiveWorkflows)
	return c
}

// Stats summarizes the session table.
type Stats struct {
	Total  int `json:"total_sessions"`
	Active int `json:"active_sessions"`
	Idle   int `json:"idle_sessions"`
}

// Config configures a Manager.
type Config struct {
	Timeout time.Duration
	// Store receives snapshots; nil disables Snapshot and Restore.
	Store  store.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns every session.
type Manager struct {
	timeout time.Duration
	store   store.Store
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		timeout:  timeout,
		store:    cfg.Store,
		logger:   logger.With("component", "session"),
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for userID.
func (m *Manager) Create(userID string, metadata map[string]any, permissions []string) Session {
	if len(permissions) == 0 {
		permissions = []string{DefaultPermission}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := m.now()
	s := &Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		CreatedAt:       now,
		LastActivity:    now,
		Metadata:        metadata,
		Permissions:     slices.Clone(permissions),
		ActiveWorkflows: []string{},
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session created", "session_id", s.ID, "user_id", userID)
	return s.clone()
}

// Get returns the session and refreshes its activity time. An expired
// session is removed and reported as ErrExpired.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return Session{}, err
	}
	s.LastActivity = m.now()
	return s.clone(), nil
}

// Touch refreshes the session's activity time.
func (m *Manager) Touch(id string) error {
	_, err := m.Get(id)
	return err
}

func (m *Manager) liveLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.now().Sub(s.LastActivity) > m.timeout {
		delete(m.sessions, id)
		m.logger.Debug("session expired on access", "session_id", id)
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return s, nil
}

// Remove deletes the session and reports whether it existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// AttachWorkflow records executionID as active in the session.
func (m *Manager) AttachWorkflow(id, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	if !slices.Contains(s.ActiveWorkflows, executionID) {
		s.ActiveWorkflows = append(s.ActiveWorkflows, executionID)
	}
	s.LastActivity = m.now()
	return nil
}

// DetachWorkflow drops executionID from every session that holds it.
func (m *Manager) DetachWorkflow(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		s.ActiveWorkflows = slices.DeleteFunc(s.ActiveWorkflows, func(w string) bool {
			return w == executionID
		})
	}
}

// CleanupExpired removes inactive sessions and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.timeout {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("expired sessions removed", "count", removed, "remaining", len(m.sessions))
	}
	return removed
}

// Stats counts sessions by recency.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity) < ActiveWindow {
			st.Active++
		}
	}
	st.Idle = st.Total - st.Active
	return st
}

// Export serializes one session.
func (m *Manager) Export(id string) ([]byte, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Import adds a serialized session, replacing any session with the same id.
func (m *Manager) Import(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.ID == "" || s.UserID == "" {
		return Session{}, fmt.Errorf("%w: session_id and user_id are required", ErrInvalid)
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.ActiveWorkflows == nil {
		s.ActiveWorkflows = []string{}
	}

	m.mu.Lock()
	m.sessions[s.ID] = &s
	m.mu.Unlock()
	return s.clone(), nil
}

// Snapshot writes every live session to the store and deletes stored
// sessions that no longer exist.
func (m *Manager) Snapshot(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	snap := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snap = append(snap, s.clone())
	}
	m.mu.Unlock()

	live := make(map[string]bool, len(snap))
	for _, s := range snap {
		live[keyPrefix+s.ID] = true
		if err := store.PutJSON(ctx, m.store, keyPrefix+s.ID, s); err != nil {
			return fmt.Errorf("snapshot session %s: %w", s.ID, err)
		}
	}

	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("listing stored sessions: %w", err)
	}
	for _, k := range keys {
		if !live[k] {
			if err := m.store.Delete(ctx, k); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("pruning stored session %s: %w", k, err)
			}
		}
	}

	m.logger.Debug("sessions snapshotted", "count", len(snap))
	return nil
}

// Restore loads stored sessions that have not expired.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	now := m.now()
	restored := 0
	for _, k := range keys {
		var s Session
		if err := store.GetJSON(ctx, m.store, k, &s); err != nil {
			m.logger.Warn("skipping unreadable session", "key", k, "error", err)
			continue
		}
		if now.Sub(s.LastActivity) > m.timeout {
			continue
		}
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		m.mu.Lock()
		m.sessions[s.ID] = &s
		m.mu.Unlock()
		restored++
	}

	m.logger.Info("sessions restored", "count", restored)
	return restored, nil
}

// Run cleans up and snapshots on the given intervals until ctx is done,
// then writes a final snapshot. A zero interval disables that task.
func (m *Manager) Run(ctx context.Context, cleanupInterval, snapshotInterval time.Duration) {
	var cleanupC, snapshotC <-chan time.Time
	if cleanupInterval > 0 {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		cleanupC = t.C
	}
	if snapshotInterval > 0 && m.store != nil {
		t := time.NewTicker(snapshotInterval)
		defer t.Stop()
		snapshotC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if m.store != nil {
				// Final snapshot outlives the cancelled context.
				if err := m.Snapshot(context.WithoutCancel(ctx)); err != nil {
					m.logger.Error("final session snapshot failed", "error", err)
				}
			}
			return
		case <-cleanupC:
			m.CleanupExpired()
		case <-snapshotC:
			if err := m.Snapshot(ctx); err != nil {
				m.logger.Warn("session snapshot failed", "error", err)
			}
		}
	}
}
