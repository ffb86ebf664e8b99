package events

import (
	"context"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// Event is a domain event produced by a committed persistence write. The
// orchestrator dispatches events explicitly after commit; there is no global
// bus and no registration at package load.
type Event any

type EmailCreated struct {
	Email model.Email
}

type EmailEdited struct {
	Email model.Email
	From  model.EmailStatus
	To    model.EmailStatus
}

type Handler func(ctx context.Context, e Event)

// Dispatcher fans committed events out to handlers registered once by the
// composition root, in registration order.
type Dispatcher struct {
	handlers []Handler
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

func (d *Dispatcher) Dispatch(ctx context.Context, evs ...Event) {
	for _, e := range evs {
		for _, h := range d.handlers {
			h(ctx, e)
		}
	}
}
