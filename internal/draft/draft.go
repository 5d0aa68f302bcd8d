// Package draft implements the pending-action store behind the two-phase
// prepare/confirm mutation pattern.
//
// A "prepare" tool computes an intended change and stores it here as a
// [Draft] under a fresh opaque id with a bounded TTL, returning the id and a
// preview to the model without mutating anything. The matching "confirm"
// tool claims the draft — an atomic read-and-delete — and performs the
// mutation only if the claim succeeded. A draft can therefore be consumed at
// most once: a duplicate or late confirm fails with [ErrExpired] instead of
// re-executing the action.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/merchkit/clerkd/internal/kv"
)

// ErrExpired is returned by [Store.Claim] when the draft id is unknown,
// already claimed, or past its TTL. The three cases are deliberately
// indistinguishable to callers.
var ErrExpired = errors.New("draft: expired or already claimed")

// DefaultTTL bounds how long a prepared action stays confirmable.
const DefaultTTL = 10 * time.Minute

// Draft is a stored pending action.
type Draft struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists drafts in the shared key/value store so any worker can
// confirm an action prepared by another.
type Store struct {
	store kv.Store
	ttl   time.Duration
}

// NewStore creates a draft store over s. A non-positive ttl falls back to
// [DefaultTTL].
func NewStore(s kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{store: s, ttl: ttl}
}

// GenerateID returns a fresh opaque draft id for the given draft type.
func (s *Store) GenerateID(draftType string) string {
	return draftType + "-" + uuid.NewString()
}

// Put stores payload as a draft of the given type under id, with the store's
// TTL. The payload must be JSON-serializable.
func (s *Store) Put(ctx context.Context, draftType, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("draft: encode payload for %q: %w", id, err)
	}
	d := Draft{
		ID:        id,
		Type:      draftType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("draft: encode draft %q: %w", id, err)
	}
	if err := s.store.Set(ctx, key(draftType, id), string(data), s.ttl); err != nil {
		return fmt.Errorf("draft: store %q: %w", id, err)
	}
	return nil
}

// Claim atomically reads and deletes the draft, returning its payload. At
// most one caller can ever claim a given id; everyone else gets [ErrExpired].
func (s *Store) Claim(ctx context.Context, draftType, id string) (json.RawMessage, error) {
	data, ok, err := s.store.GetDel(ctx, key(draftType, id))
	if err != nil {
		return nil, fmt.Errorf("draft: claim %q: %w", id, err)
	}
	if !ok {
		return nil, ErrExpired
	}
	var d Draft
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("draft: decode %q: %w", id, err)
	}
	return d.Payload, nil
}

// key namespaces draft entries in the shared store.
func key(draftType, id string) string {
	return "draft:" + draftType + ":" + id
}
