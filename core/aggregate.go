package core

// aggregate.go – the AGGREGATE handler. Every element is kept raw for
// replay; the materialised view is the deep merge of all elements for the
// same (address, key) in content-time order. The fold is order-independent:
// any processing order produces the same view because the view is always
// rebuilt from the sorted element log.

import (
	"context"
	"encoding/json"
	"sort"
)

// TieBreak orders aggregate elements that share a timestamp.
type TieBreak func(a, b *AggregateEntry) bool

// TieBreakHashAsc is the default: ascending item hash.
func TieBreakHashAsc(a, b *AggregateEntry) bool { return a.ItemHash < b.ItemHash }

// TieBreakHashDesc is the alternative ordering some deployments use.
func TieBreakHashDesc(a, b *AggregateEntry) bool { return a.ItemHash > b.ItemHash }

// AggregateHandler folds AGGREGATE messages into per-(address, key) views.
type AggregateHandler struct {
	tieBreak TieBreak
}

// NewAggregateHandler builds the handler with the given tie-break rule;
// nil selects ascending item hash.
func NewAggregateHandler(tb TieBreak) *AggregateHandler {
	if tb == nil {
		tb = TieBreakHashAsc
	}
	return &AggregateHandler{tieBreak: tb}
}

// Apply records the raw element and rebuilds the materialised view.
func (h *AggregateHandler) Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error) {
	parsed, err := ParseContent(MsgAggregate, msg.Content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}, nil
	}
	c := parsed.(*AggregateContent)
	elemTime := c.Time
	if elemTime == 0 {
		elemTime = msg.Time
	}
	entry := &AggregateEntry{
		ItemHash: msg.ItemHash,
		Address:  c.Address,
		Key:      c.Key,
		Time:     elemTime,
		Content:  c.Content,
	}
	if err := insertAggregateEntry(ctx, tx, entry); err != nil {
		return Outcome{}, err
	}
	if err := h.rebuild(ctx, tx, c.Address, c.Key); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeDone}, nil
}

// Revert removes the element and rebuilds the view without it.
func (h *AggregateHandler) Revert(ctx context.Context, tx dbtx, msg *Message) error {
	parsed, err := ParseContent(MsgAggregate, msg.Content)
	if err != nil {
		// Content already nulled; nothing left to reverse.
		return nil
	}
	c := parsed.(*AggregateContent)
	if err := deleteAggregateEntry(ctx, tx, msg.ItemHash); err != nil {
		return err
	}
	return h.rebuild(ctx, tx, c.Address, c.Key)
}

func (h *AggregateHandler) rebuild(ctx context.Context, tx dbtx, address, key string) error {
	entries, err := listAggregateEntries(ctx, tx, address, key)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return deleteAggregateView(ctx, tx, address, key)
	}
	ptrs := make([]*AggregateEntry, len(entries))
	for i := range entries {
		ptrs[i] = &entries[i]
	}
	sort.SliceStable(ptrs, func(i, j int) bool {
		if ptrs[i].Time != ptrs[j].Time {
			return ptrs[i].Time < ptrs[j].Time
		}
		return h.tieBreak(ptrs[i], ptrs[j])
	})
	merged := FoldAggregate(ptrs)
	view := &AggregateElement{
		Address:          address,
		Key:              key,
		CreationTime:     ptrs[0].Time,
		LastRevisionTime: ptrs[len(ptrs)-1].Time,
		Content:          merged,
	}
	return upsertAggregateView(ctx, tx, view)
}

// FoldAggregate deep-merges the ordered elements into one JSON document.
func FoldAggregate(entries []*AggregateEntry) json.RawMessage {
	var acc any
	for _, e := range entries {
		var frag any
		if err := json.Unmarshal(e.Content, &frag); err != nil {
			continue
		}
		acc = mergeValue(acc, frag)
	}
	out, err := json.Marshal(acc)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}

// mergeValue applies the fold rule for one path: objects merge recursively,
// the latest scalar wins, and an explicit null removes the key.
func mergeValue(dst, src any) any {
	srcMap, srcIsMap := src.(map[string]any)
	if !srcIsMap {
		return src
	}
	dstMap, _ := dst.(map[string]any)
	out := make(map[string]any, len(dstMap)+len(srcMap))
	for k, v := range dstMap {
		out[k] = v
	}
	for k, v := range srcMap {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = mergeValue(out[k], v)
	}
	return out
}
