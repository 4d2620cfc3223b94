package session

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-auth/adapter"
)

// CreateVerification stores value under identifier for ttl.
func (m *Manager) CreateVerification(ctx context.Context, identifier, value string, ttl time.Duration) (*Verification, error) {
	rec, err := m.adapter.Create(ctx, ModelVerification, m.newRecord(adapter.Record{
		"identifier": identifier,
		"value":      value,
		"expiresAt":  m.now().Add(ttl),
	}))
	if err != nil {
		return nil, fmt.Errorf("create verification: %w", err)
	}
	return verificationFromRecord(rec), nil
}

// FindVerification returns the newest unexpired record for identifier, or
// nil. Expired records are deleted.
func (m *Manager) FindVerification(ctx context.Context, identifier string) (*Verification, error) {
	recs, err := m.adapter.FindMany(ctx, ModelVerification, []adapter.Where{adapter.Eq("identifier", identifier)})
	if err != nil {
		return nil, fmt.Errorf("find verification: %w", err)
	}

	now := m.now()
	var newest *Verification
	for _, rec := range recs {
		v := verificationFromRecord(rec)
		if !now.Before(v.ExpiresAt) {
			if _, err := m.DeleteVerification(ctx, v.ID); err != nil {
				m.logger.Warn("Failed to delete expired verification", "id", v.ID, "error", err)
			}
			continue
		}
		if newest == nil || v.CreatedAt.After(newest.CreatedAt) {
			newest = v
		}
	}
	return newest, nil
}

// DeleteVerification removes a verification record by id and reports
// whether this call removed it. Single-use records are consumed only by
// the caller that gets true.
func (m *Manager) DeleteVerification(ctx context.Context, id string) (bool, error) {
	n, err := m.adapter.DeleteMany(ctx, ModelVerification, []adapter.Where{adapter.Eq("id", id)})
	if err != nil {
		return false, fmt.Errorf("delete verification: %w", err)
	}
	return n > 0, nil
}
