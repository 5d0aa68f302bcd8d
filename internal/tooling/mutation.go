package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/merchkit/clerkd/internal/draft"
	"github.com/merchkit/clerkd/internal/observe"
	"github.com/merchkit/clerkd/pkg/ai"
)

// Mutation describes an irreversible (or costly) action registered as a
// prepare/confirm tool pair. The prepare tool computes the intended change
// and stores it as a draft without mutating anything; the confirm tool claims
// the draft and performs the mutation exactly once. The split lets the model
// show the operator what is about to happen before anything irreversible
// does, and makes upstream retries of the confirm step harmless.
type Mutation struct {
	// Type names the draft type (e.g. "refund"). The confirm tool is
	// published as "confirm_<Type>".
	Type string

	// Prepare is the declared contract of the prepare tool.
	Prepare ai.ToolDefinition

	// Plan computes the intended change from validated arguments. It returns
	// the payload stored in the draft and a human-readable preview of the
	// action; it must not mutate anything.
	Plan func(ctx context.Context, args map[string]any) (payload any, preview string, err error)

	// Apply performs the mutation described by a claimed draft payload.
	Apply func(ctx context.Context, payload json.RawMessage) (any, error)
}

// RegisterMutation registers the prepare and confirm tools for m on d, with
// drafts persisted in store.
func RegisterMutation(d *Dispatcher, store *draft.Store, m Mutation) error {
	if m.Type == "" {
		return fmt.Errorf("tooling: mutation must have a type")
	}
	if m.Plan == nil || m.Apply == nil {
		return fmt.Errorf("tooling: mutation %q must define Plan and Apply", m.Type)
	}

	prepare := func(ctx context.Context, args map[string]any) (any, error) {
		payload, preview, err := m.Plan(ctx, args)
		if err != nil {
			return nil, err
		}
		id := store.GenerateID(m.Type)
		if err := store.Put(ctx, m.Type, id, payload); err != nil {
			return nil, err
		}
		d.metrics.DraftsPrepared.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("type", m.Type)))
		return map[string]any{"draft_id": id, "preview": preview}, nil
	}
	if err := d.Register(m.Prepare, prepare); err != nil {
		return err
	}

	confirm := func(ctx context.Context, args map[string]any) (any, error) {
		id, _ := args["draft_id"].(string)
		payload, err := store.Claim(ctx, m.Type, id)
		if err != nil {
			if errors.Is(err, draft.ErrExpired) {
				return nil, newToolError(CodeDraftExpired,
					"draft %q has expired or was already confirmed", id)
			}
			return nil, err
		}
		out, err := m.Apply(ctx, payload)
		if err != nil {
			return nil, err
		}
		d.metrics.DraftsConfirmed.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("type", m.Type)))
		return out, nil
	}
	return d.Register(confirmDefinition(m.Type), confirm)
}

// confirmDefinition builds the fixed contract of a confirm tool: it takes
// only the draft id.
func confirmDefinition(mutationType string) ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "confirm_" + mutationType,
		Description: fmt.Sprintf("Confirm a previously prepared %s. Requires operator approval first.", mutationType),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"draft_id": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Draft id returned by the prepare_%s tool.", mutationType),
				},
			},
			"required":             []string{"draft_id"},
			"additionalProperties": false,
		},
	}
}
