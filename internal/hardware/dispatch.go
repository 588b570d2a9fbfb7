package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/obs"
)

// Device is the subset of the agent the dispatchers drive.
type Device interface {
	OpenDrawer(ctx context.Context) error
	PrintTicket(ctx context.Context, job PrintJob) error
}

// Dispatcher hands off hardware requests without blocking the payment flow.
// A returned error only means the request could not be handed off.
type Dispatcher interface {
	OpenDrawer(ctx context.Context, orderID string) error
	PrintReceipt(ctx context.Context, job PrintJob) error
}

// Direct runs each request in its own goroutine against the agent.
type Direct struct {
	Device  Device
	Timeout time.Duration
	Logger  zerolog.Logger
}

// OpenDrawer fires a drawer request in the background.
func (d *Direct) OpenDrawer(_ context.Context, orderID string) error {
	if d.Device == nil {
		return errors.New("hardware: device not configured")
	}
	d.spawn(TaskOpenDrawer, orderID, func(ctx context.Context) error {
		return d.Device.OpenDrawer(ctx)
	})
	return nil
}

// PrintReceipt fires a print request in the background.
func (d *Direct) PrintReceipt(_ context.Context, job PrintJob) error {
	if d.Device == nil {
		return errors.New("hardware: device not configured")
	}
	d.spawn(TaskPrintTicket, job.OrderID, func(ctx context.Context) error {
		return d.Device.PrintTicket(ctx, job)
	})
	return nil
}

// spawn detaches from the caller's context so an HTTP request ending does
// not abort the hardware call.
func (d *Direct) spawn(kind, orderID string, fn func(context.Context) error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			obs.CountHardware(kind, "failed")
			d.Logger.Warn().Err(err).Str("kind", kind).Str("order_id", orderID).Msg("hardware_request_failed")
			return
		}
		obs.CountHardware(kind, "ok")
		d.Logger.Debug().Str("kind", kind).Str("order_id", orderID).Msg("hardware_request_done")
	}()
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queued turns hardware requests into asynq tasks for cmd/worker.
type Queued struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// OpenDrawer enqueues a drawer task.
func (q *Queued) OpenDrawer(ctx context.Context, orderID string) error {
	task, err := NewOpenDrawerTask(orderID)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, orderID)
}

// PrintReceipt enqueues a print task.
func (q *Queued) PrintReceipt(ctx context.Context, job PrintJob) error {
	task, err := NewPrintTicketTask(job)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, job.OrderID)
}

func (q *Queued) enqueue(ctx context.Context, task *asynq.Task, orderID string) error {
	if q.Client == nil {
		return errors.New("hardware: task client not configured")
	}
	opts := []asynq.Option{asynq.Queue(q.queue())}
	if q.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(q.MaxRetry))
	}
	if q.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.Timeout))
	}
	info, err := q.Client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		obs.CountHardware(task.Type(), "enqueue_failed")
		return fmt.Errorf("hardware: enqueue %s: %w", task.Type(), err)
	}
	obs.CountHardware(task.Type(), "enqueued")
	ev := q.Logger.Debug().Str("kind", task.Type()).Str("order_id", orderID)
	if info != nil {
		ev = ev.Str("task_id", info.ID)
	}
	ev.Msg("hardware_task_enqueued")
	return nil
}

func (q *Queued) queue() string {
	if q.Queue == "" {
		return QueueName
	}
	return q.Queue
}

// drawerPayload is the body of a drawer task.
type drawerPayload struct {
	OrderID string `json:"order_id"`
}

// NewOpenDrawerTask builds the asynq task for a drawer kick.
func NewOpenDrawerTask(orderID string) (*asynq.Task, error) {
	payload, err := json.Marshal(drawerPayload{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOpenDrawer, payload), nil
}

// printPayload keeps the order id, which PrintJob does not serialise for the agent.
type printPayload struct {
	OrderID string   `json:"order_id"`
	Job     PrintJob `json:"job"`
}

// NewPrintTicketTask builds the asynq task for a receipt print.
func NewPrintTicketTask(job PrintJob) (*asynq.Task, error) {
	payload, err := json.Marshal(printPayload{OrderID: job.OrderID, Job: job})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPrintTicket, payload), nil
}
