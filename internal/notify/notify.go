// Package notify fans commission lifecycle events out to the notification
// pipeline. Delivery is best effort: a failed publish is logged and never
// fails the operation that triggered it.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/libs/kafka"
)

const (
	WorkflowCommissionRequested = "commission.requested"
	WorkflowCommissionAccepted  = "commission.accepted"
	WorkflowCommissionWaitlist  = "commission.waitlisted"
	WorkflowCommissionRejected  = "commission.rejected"
	WorkflowInvoiceSent         = "invoice.sent"
	WorkflowInvoicePaid         = "invoice.paid"
	WorkflowInvoiceExpired      = "invoice.expired"
	WorkflowInvoiceExtended     = "invoice.extended"
)

type triggerEvent struct {
	kafka.Envelope
	Workflow   string            `json:"workflow"`
	Recipients []string          `json:"recipients"`
	Data       map[string]string `json:"data,omitempty"`
}

type Notifier struct {
	publisher kafka.Publisher
	topic     string
	logger    *slog.Logger
}

func New(publisher kafka.Publisher, topic string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: publisher, topic: topic, logger: logger}
}

// Trigger publishes a workflow trigger for each recipient batch. A nil
// Notifier or missing publisher silently drops the event, which keeps
// notification wiring optional in development.
func (n *Notifier) Trigger(ctx context.Context, workflow string, recipients []uuid.UUID, data map[string]string) {
	if n == nil || n.publisher == nil || len(recipients) == 0 {
		return
	}

	envelope, err := kafka.NewEnvelope(workflow, 1, data["request_id"])
	if err != nil {
		n.logger.Error("notification envelope", "workflow", workflow, "error", err)
		return
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.String()
	}

	event := triggerEvent{
		Envelope:   envelope,
		Workflow:   workflow,
		Recipients: ids,
		Data:       data,
	}
	if _, _, err := n.publisher.PublishJSON(ctx, n.topic, ids[0], event); err != nil {
		n.logger.Error("notification publish failed", "workflow", workflow, "error", err)
	}
}
