// ABOUTME: Audit log of administrative actions kept as JSON entries under audit/ keys
// ABOUTME: Records who issued or revoked which agent token, newest entries listed first

package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditIssueToken  AuditAction = "issue_token"
	AuditRevokeToken AuditAction = "revoke_token"
)

const auditPrefix = "audit/"

// AuditEntry is a single audit log entry.
type AuditEntry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    AuditAction    `json:"action"`
	Target    string         `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// auditKey sorts chronologically: a fixed-width UTC timestamp then the id.
func auditKey(e AuditEntry) string {
	return auditPrefix + e.Timestamp.UTC().Format("20060102T150405.000000000Z") + "_" + e.ID
}

// AppendAudit stores e, filling in the id and timestamp when unset.
func AppendAudit(ctx context.Context, s Store, e AuditEntry) (AuditEntry, error) {
	if e.Action == "" || e.Target == "" {
		return AuditEntry{}, fmt.Errorf("audit entry needs an action and a target")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := PutJSON(ctx, s, auditKey(e), e); err != nil {
		return AuditEntry{}, fmt.Errorf("appending audit entry: %w", err)
	}
	return e, nil
}

// ListAudit returns up to limit entries, newest first. A limit of zero
// or less returns every entry.
func ListAudit(ctx context.Context, s Store, limit int) ([]AuditEntry, error) {
	keys, err := s.List(ctx, auditPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	slices.Reverse(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]AuditEntry, 0, len(keys))
	for _, k := range keys {
		var e AuditEntry
		if err := GetJSON(ctx, s, k, &e); err != nil {
			return nil, fmt.Errorf("reading audit entry %s: %w", k, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
