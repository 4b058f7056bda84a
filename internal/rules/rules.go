// Package rules implements C10, persistent CRUD for automation rules
// and per-thread plans. Evaluation against inbound messages is a
// read-only hook during ingest; mutation is exclusively via C11 commands
// (§5 ownership: "C11 is the only mutator of Rule/Plan/Context").
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/store"
)

// Store owns the rules and plans tables.
type Store struct {
	db    *sql.DB
	codec *store.Codec
}

func New(s *store.Store) *Store {
	return &Store{db: s.DB(), codec: s.Codec()}
}

// SetRule inserts or replaces a rule. A zero-value ID is assigned a
// fresh UUID.
func (s *Store) SetRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		rule.CreatedAt = time.Now().UTC()
	}
	rule.UpdatedAt = time.Now().UTC()

	err := store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("%w: marshal rule: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := s.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO rules (id, blob, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
		`, rule.ID, blob, rule.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: write rule: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return model.Rule{}, err
	}
	return rule, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (model.Rule, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM rules WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return model.Rule{}, false, nil
	}
	if err != nil {
		return model.Rule{}, false, fmt.Errorf("%w: read rule: %v", model.ErrStorageCorrupt, err)
	}
	plain, err := s.codec.Open(blob)
	if err != nil {
		return model.Rule{}, false, err
	}
	var rule model.Rule
	if err := json.Unmarshal(plain, &rule); err != nil {
		return model.Rule{}, false, fmt.Errorf("%w: unmarshal rule: %v", model.ErrStorageCorrupt, err)
	}
	return rule, true, nil
}

// ListRules returns every stored rule, enabled or not; evaluation
// callers filter for Enabled themselves.
func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT blob FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("%w: list rules: %v", model.ErrStorageCorrupt, err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan rule: %v", model.ErrStorageCorrupt, err)
		}
		plain, err := s.codec.Open(blob)
		if err != nil {
			return nil, err
		}
		var rule model.Rule
		if err := json.Unmarshal(plain, &rule); err != nil {
			return nil, fmt.Errorf("%w: unmarshal rule: %v", model.ErrStorageCorrupt, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpdatePlan upserts thread-scoped plan data, incrementing Version.
func (s *Store) UpdatePlan(ctx context.Context, threadID string, data map[string]any) (model.Plan, error) {
	existing, found, err := s.GetPlan(ctx, threadID)
	if err != nil {
		return model.Plan{}, err
	}
	plan := model.Plan{ThreadID: threadID, Data: data, UpdatedAt: time.Now().UTC()}
	plan.Version = 1
	if found {
		plan.Version = existing.Version + 1
	}

	err = store.WithRetry(ctx, func() error {
		plain, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("%w: marshal plan: %v", model.ErrStorageCorrupt, err)
		}
		blob, err := s.codec.Seal(plain)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO plans (thread_id, version, blob, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET version = excluded.version, blob = excluded.blob, updated_at = excluded.updated_at
		`, plan.ThreadID, plan.Version, blob, plan.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("%w: write plan: %v", model.ErrStorageCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return model.Plan{}, err
	}
	return plan, nil
}

func (s *Store) GetPlan(ctx context.Context, threadID string) (model.Plan, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM plans WHERE thread_id = ?`, threadID).Scan(&blob)
	if err == sql.ErrNoRows {
		return model.Plan{}, false, nil
	}
	if err != nil {
		return model.Plan{}, false, fmt.Errorf("%w: read plan: %v", model.ErrStorageCorrupt, err)
	}
	plain, err := s.codec.Open(blob)
	if err != nil {
		return model.Plan{}, false, err
	}
	var plan model.Plan
	if err := json.Unmarshal(plain, &plan); err != nil {
		return model.Plan{}, false, fmt.Errorf("%w: unmarshal plan: %v", model.ErrStorageCorrupt, err)
	}
	return plan, true, nil
}
