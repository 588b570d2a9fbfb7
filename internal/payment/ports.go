package payment

import (
	"context"

	"github.com/noah-isme/pos-terminal/internal/display"
	"github.com/noah-isme/pos-terminal/internal/events"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/hardware"
)

// Display is the customer-facing surface. *display.Hub satisfies it.
type Display interface {
	Publish(ctx context.Context, n display.Notification) (display.Notification, error)
	Cancel(ctx context.Context, orderID string) error
	Listen(orderID string) (<-chan display.StepReport, func())
}

// Finalizer completes a settled order. *finalize.Handler satisfies it.
type Finalizer interface {
	Finalize(ctx context.Context, in finalize.Input) (finalize.Receipt, error)
}

// Journal records session events. *events.Bus satisfies it.
type Journal interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Checkpointer persists the in-flight session so a restart can resume it.
type Checkpointer interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, terminalID string) (*Session, error)
	Delete(ctx context.Context, terminalID string) error
}

// Deps are the collaborators a Controller drives. Only Finalizer is required;
// the rest are skipped when nil.
type Deps struct {
	Display   Display
	Finalizer Finalizer
	Hardware  hardware.Dispatcher
	Journal   Journal
	Store     Checkpointer
}
