package core

// post.go – the POST handler. Originals (ref unset) create a post;
// amendments reference the original and win visibility by highest
// (time, item_hash). The amendment target must already be confirmed: an
// in-flight original asks for a retry rather than a reject, matching the
// content-fetch retry policy.

import (
	"context"
	"errors"
)

// PostHandler stores posts and their amendments.
type PostHandler struct{}

// Apply inserts the post row after resolving the amendment target.
func (h *PostHandler) Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error) {
	parsed, err := ParseContent(MsgPost, msg.Content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}, nil
	}
	c := parsed.(*PostContent)
	if c.Ref != "" {
		original, err := getPost(ctx, tx, c.Ref)
		if errors.Is(err, ErrNotFound) {
			// The original may still be in flight on another source.
			return Outcome{Kind: OutcomeRetry, Reason: "amendment target not yet confirmed"}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		if original.Ref != "" {
			return Outcome{Kind: OutcomeReject, Reason: "amendment of an amendment"}, nil
		}
		if original.Address != c.Address {
			return Outcome{Kind: OutcomeReject, Reason: "amendment by different address"}, nil
		}
	}
	postTime := c.Time
	if postTime == 0 {
		postTime = msg.Time
	}
	p := &Post{
		ItemHash: msg.ItemHash,
		Ref:      c.Ref,
		Address:  c.Address,
		PostType: c.Type,
		Time:     postTime,
		Content:  c.Content,
	}
	if err := insertPost(ctx, tx, p); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeDone}, nil
}

// Revert removes the post row. Removing an original also removes every
// amendment that references it, so PostView no longer resolves it.
func (h *PostHandler) Revert(ctx context.Context, tx dbtx, msg *Message) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM post WHERE ref = ?`, msg.ItemHash); err != nil {
		return err
	}
	return deletePost(ctx, tx, msg.ItemHash)
}
