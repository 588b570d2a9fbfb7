package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/pos-terminal/internal/resilience"
)

const (
	// DefaultPrinterID is the receipt printer name the agent registers.
	DefaultPrinterID = "pos_receipt_printer"
	// TicketCustomerReceipt is the only ticket type the terminal prints.
	TicketCustomerReceipt = "customer_receipt"
)

// ErrAgent is returned when the agent answers with a non-success envelope.
var ErrAgent = errors.New("hardware: agent reported failure")

// PrintJob is a print request as the agent expects it.
type PrintJob struct {
	OrderID    string          `json:"-"`
	PrinterID  string          `json:"printer_id"`
	TicketType string          `json:"ticket_type"`
	TicketData json.RawMessage `json:"ticket_data"`
	OpenDrawer bool            `json:"open_drawer"`
}

// AgentStatus is the agent's health reply.
type AgentStatus struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Devices json.RawMessage `json:"devices,omitempty"`
}

type agentReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Agent is the HTTP client for the local hardware agent.
type Agent struct {
	BaseURL   string
	PrinterID string
	HTTP      resilience.HTTPClient
}

// OpenDrawer asks the agent to kick the cash drawer.
func (a *Agent) OpenDrawer(ctx context.Context) error {
	ctx, span := otel.Tracer("hardware.Agent").Start(ctx, "Agent.OpenDrawer")
	defer span.End()
	_, err := a.call(ctx, http.MethodPost, "/open_drawer", nil)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// PrintTicket sends a receipt to the printer, optionally opening the drawer.
func (a *Agent) PrintTicket(ctx context.Context, job PrintJob) error {
	ctx, span := otel.Tracer("hardware.Agent").Start(ctx, "Agent.PrintTicket")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", job.OrderID), attribute.Bool("hardware.open_drawer", job.OpenDrawer))

	if job.PrinterID == "" {
		job.PrinterID = a.PrinterID
	}
	if job.PrinterID == "" {
		job.PrinterID = DefaultPrinterID
	}
	if job.TicketType == "" {
		job.TicketType = TicketCustomerReceipt
	}
	if len(job.TicketData) == 0 {
		job.TicketData = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := a.call(ctx, http.MethodPost, "/print_ticket", body); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Status reports whether the agent is reachable and its devices are ready.
func (a *Agent) Status(ctx context.Context) (AgentStatus, error) {
	data, err := a.call(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return AgentStatus{}, err
	}
	var st AgentStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return AgentStatus{}, fmt.Errorf("hardware: decode status: %w", err)
	}
	return st, nil
}

func (a *Agent) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.HTTP.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("hardware %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, fmt.Errorf("hardware %s: read: %w", path, err)
	}

	var reply agentReply
	_ = json.Unmarshal(data, &reply)
	if resp.StatusCode >= 300 || (reply.Status != "" && !strings.EqualFold(reply.Status, "success") && !strings.EqualFold(reply.Status, "ok")) {
		msg := reply.Error
		if msg == "" {
			msg = reply.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s %s", ErrAgent, path, msg)
	}
	return data, nil
}
