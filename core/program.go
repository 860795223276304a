package core

// program.go – the PROGRAM handler. The pipeline only persists descriptors,
// indexed by trigger so the external program runtime can find them; nothing
// here executes code.

import "context"

// ProgramHandler persists program descriptors.
type ProgramHandler struct{}

// Apply stores the descriptor with its trigger index.
func (h *ProgramHandler) Apply(ctx context.Context, tx dbtx, msg *Message) (Outcome, error) {
	parsed, err := ParseContent(MsgProgram, msg.Content)
	if err != nil {
		return Outcome{Kind: OutcomeReject, Reason: err.Error()}, nil
	}
	c := parsed.(*ProgramContent)
	p := &Program{
		ItemHash:     msg.ItemHash,
		Owner:        c.Address,
		TriggerHTTP:  c.On.HTTP,
		TriggerCron:  c.On.Cron,
		TriggerAleph: c.On.Aleph,
		Descriptor:   msg.Content,
		Time:         msg.Time,
	}
	if err := upsertProgram(ctx, tx, p); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeDone}, nil
}

// Revert removes the descriptor.
func (h *ProgramHandler) Revert(ctx context.Context, tx dbtx, msg *Message) error {
	return deleteProgram(ctx, tx, msg.ItemHash)
}
