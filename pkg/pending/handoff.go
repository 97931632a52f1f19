package pending

import (
	"context"

	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/session"
)

// Handoff delivers an alert to the presenter when the session is ready and
// defers it in the buffer otherwise.
type Handoff struct {
	buffer    *Buffer
	presenter Presenter
	session   session.Session
}

func NewHandoff(buffer *Buffer, presenter Presenter, sess session.Session) *Handoff {
	return &Handoff{
		buffer:    buffer,
		presenter: presenter,
		session:   sess,
	}
}

func (h *Handoff) Deliver(ctx context.Context, event models.AlertEvent) error {
	if !h.session.Ready() {
		h.buffer.Put(event)
		return nil
	}
	return h.presenter.Present(ctx, event)
}

// Drain is called when the session becomes ready.
func (h *Handoff) Drain(ctx context.Context) error {
	return h.buffer.ProcessPending(ctx, h.presenter, h.session)
}
