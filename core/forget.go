package core

// forget.go – the FORGET handler. Targets authored by the forgetting
// address (or covered by a delegation from their author) are tombstoned:
// content nulled, forgotten_by stamped, and the original handler's effect
// reversed. Conflicts — missing targets, already-forgotten targets, FORGET
// targets — are silent successes so replays stay idempotent.

import (
	"context"
	"errors"
)

// ForgetHandler tombstones messages and reverses their side effects.
type ForgetHandler struct {
	handlers map[MsgType]Handler
}

// NewForgetHandler builds the handler; the registry is attached afterwards
// because FORGET reverses every other type.
func NewForgetHandler() *ForgetHandler {
	return &ForgetHandler{}
}

// SetRegistry hands the handler the full type registry.
func (h *ForgetHandler) SetRegistry(handlers map[MsgType]Handler) {
	h.handlers = handlers
}

// Apply tombstones each target.
func (h *ForgetHandler) Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error) {
	parsed, err := ParseContent(MsgForget, msg.Content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}, nil
	}
	c := parsed.(*ForgetContent)

	for _, target := range c.Hashes {
		if err := h.forgetOne(ctx, tx, c.Address, target, msg.ItemHash); err != nil {
			return Outcome{}, err
		}
	}
	for _, key := range c.Aggregates {
		if err := h.forgetAggregateKey(ctx, tx, c.Address, key, msg.ItemHash); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Kind: OutcomeDone}, nil
}

func (h *ForgetHandler) forgetOne(ctx context.Context, tx dbtx, actor, target, by string) error {
	m, err := getMessage(ctx, tx, target)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Type == MsgForget || m.ForgottenBy != "" {
		return nil
	}
	if m.Sender != actor {
		ok, err := isAuthorized(ctx, tx, m.Sender, actor, AuthorizationScope{Type: m.Type, Channel: m.Channel})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if handler, ok := h.handlers[m.Type]; ok {
		if err := handler.Revert(ctx, tx, m); err != nil {
			return err
		}
	}
	return forgetMessage(ctx, tx, target, by)
}

// forgetAggregateKey drops an entire (address, key) aggregate: every
// contributing element is tombstoned and the view removed.
func (h *ForgetHandler) forgetAggregateKey(ctx context.Context, tx dbtx, address, key, by string) error {
	entries, err := listAggregateEntries(ctx, tx, address, key)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := forgetMessage(ctx, tx, e.ItemHash, by); err != nil {
			return err
		}
		if err := deleteAggregateEntry(ctx, tx, e.ItemHash); err != nil {
			return err
		}
	}
	return deleteAggregateView(ctx, tx, address, key)
}

// Revert is a no-op: FORGET is never itself forgettable.
func (h *ForgetHandler) Revert(ctx context.Context, tx dbtx, msg *Message) error {
	return nil
}
