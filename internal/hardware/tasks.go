package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/obs"
)

const (
	TaskOpenDrawer  = "hardware:open_drawer"
	TaskPrintTicket = "hardware:print_ticket"

	// QueueName is the asynq queue hardware tasks are enqueued on.
	QueueName = "hardware"
)

// TaskHandler executes queued hardware tasks against the agent.
type TaskHandler struct {
	Device Device
	Logger zerolog.Logger
}

// Register binds the handler to every hardware task type.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskOpenDrawer, h.handleOpenDrawer)
	mux.HandleFunc(TaskPrintTicket, h.handlePrintTicket)
}

func (h *TaskHandler) handleOpenDrawer(ctx context.Context, t *asynq.Task) error {
	var p drawerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return h.run(ctx, t.Type(), p.OrderID, func(ctx context.Context) error {
		return h.Device.OpenDrawer(ctx)
	})
}

func (h *TaskHandler) handlePrintTicket(ctx context.Context, t *asynq.Task) error {
	var p printPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	p.Job.OrderID = p.OrderID
	return h.run(ctx, t.Type(), p.OrderID, func(ctx context.Context) error {
		return h.Device.PrintTicket(ctx, p.Job)
	})
}

func (h *TaskHandler) run(ctx context.Context, kind, orderID string, fn func(context.Context) error) error {
	if h.Device == nil {
		return errors.New("hardware: device not configured")
	}
	if err := fn(ctx); err != nil {
		obs.CountHardware(kind, "failed")
		h.Logger.Warn().Err(err).Str("kind", kind).Str("order_id", orderID).Msg("hardware_task_failed")
		return err
	}
	obs.CountHardware(kind, "ok")
	h.Logger.Info().Str("kind", kind).Str("order_id", orderID).Msg("hardware_task_done")
	return nil
}
