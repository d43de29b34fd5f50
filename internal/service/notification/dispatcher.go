package notification

import (
	"context"
	"log/slog"
	"text/template"
	"time"

	"imobilerepair/internal/domain"
	"imobilerepair/internal/metrics"
)

// Dispatcher sends the customer confirmation and the operator alert for a paid order.
// It keeps no record of what it sent; callers invoke it once per settlement.
type Dispatcher struct {
	mailer        Mailer
	operatorEmail string
	timeout       time.Duration
	logger        *slog.Logger
}

func NewDispatcher(mailer Mailer, operatorEmail string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{mailer: mailer, operatorEmail: operatorEmail, timeout: timeout, logger: logger}
}

// OrderPaid never returns an error. Sending is detached from ctx cancellation so an aborted
// client request does not cut off mail for an order that is already paid.
func (d *Dispatcher) OrderPaid(ctx context.Context, o domain.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	logger := d.logger.With("order_id", o.ID)

	d.send(ctx, logger, "customer", o.Customer.Email, "Your order "+o.ID+" is confirmed", customerTmpl, o)

	if d.operatorEmail == "" {
		logger.Warn("operator email not configured, skipping alert")
		return
	}
	d.send(ctx, logger, "operator", d.operatorEmail, "Paid order "+o.ID, operatorTmpl, o)
}

func (d *Dispatcher) send(ctx context.Context, logger *slog.Logger, recipient, to, subject string, tmpl *template.Template, o domain.Order) {
	body, err := render(tmpl, o)
	if err != nil {
		metrics.Notifications.WithLabelValues(recipient, "failed").Inc()
		logger.Error("render notification", "recipient", recipient, "err", err)
		return
	}
	if err := d.mailer.Send(ctx, Message{To: to, Subject: subject, Body: body}); err != nil {
		metrics.Notifications.WithLabelValues(recipient, "failed").Inc()
		logger.Error("send notification", "recipient", recipient, "err", err)
		return
	}
	metrics.Notifications.WithLabelValues(recipient, "sent").Inc()
	logger.Info("notification sent", "recipient", recipient)
}
