package core

// file_pin.go – the STORE handler. A STORE message references a file by
// hash; the handler tracks one pin per confirmed STORE and keeps the
// backend pin state in step. Stored-file mutations go through the row the
// promotion transaction holds, so concurrent STOREs for the same file
// serialise on it.

import (
	"context"
	"errors"
	"time"
)

// StoreHandler pins and unpins content referenced by STORE messages.
type StoreHandler struct {
	cas         *CAS
	graceTemp   time.Duration
	graceNormal time.Duration
}

// NewStoreHandler wires the handler with the configured grace periods.
func NewStoreHandler(cas *CAS, graceTemp, graceNormal time.Duration) *StoreHandler {
	if graceTemp <= 0 {
		graceTemp = time.Hour
	}
	if graceNormal <= 0 {
		graceNormal = 24 * time.Hour
	}
	return &StoreHandler{cas: cas, graceTemp: graceTemp, graceNormal: graceNormal}
}

// Apply pins the referenced file and increments its reference count. A
// backend that cannot answer yet (daemon down, block not found) asks for a
// retry; the message stays queued.
func (h *StoreHandler) Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error) {
	parsed, err := ParseContent(MsgStore, msg.Content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}, nil
	}
	c := parsed.(*StoreContent)

	size := c.Size
	if size == 0 {
		n, err := h.cas.Size(ctx, c.ItemHash)
		if errors.Is(err, ErrObjectNotFound) {
			return Outcome{Kind: OutcomeRetry, Reason: "stored object not yet available"}, nil
		}
		if err != nil {
			return Outcome{Kind: OutcomeRetry, Reason: "size lookup: " + err.Error()}, nil
		}
		size = uint64(n)
	}

	if err := h.cas.Pin(ctx, c.ItemHash, c.ItemType); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return Outcome{Kind: OutcomeRetry, Reason: "stored object not yet available"}, nil
		}
		return Outcome{Kind: OutcomeRetry, Reason: "pin: " + err.Error()}, nil
	}

	if err := addPin(ctx, tx, msg.ItemHash, c.ItemHash, c.Address, c.Temporary, c.ItemType, size); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeDone}, nil
}

// Revert drops the pin; on the last reference the deletion is scheduled
// after the grace period and the garbage collector takes it from there.
func (h *StoreHandler) Revert(ctx context.Context, tx dbtx, msg *Message) error {
	_, err := removePin(ctx, tx, msg.ItemHash, h.graceTemp, h.graceNormal)
	return err
}
