// Package notify consumes domain events and triggers the outbound side
// effects they request: welcome messages for new registrations and invoice
// creation for collected payments. Delivery to the actual mail/billing
// backends is pluggable; the default senders write structured log lines.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"ddcollect/internal/common/events"
)

// Sender delivers a single outbound message or document request.
type Sender func(ctx context.Context, event *events.Event) error

// Dispatcher routes events to the sender registered for their type. Events
// with no registered sender are acknowledged and dropped, so the worker can
// share a stream with event types it does not care about.
type Dispatcher struct {
	senders map[string]Sender
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with the default senders registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		senders: make(map[string]Sender),
		logger:  logger,
	}
	d.Register(events.EventWelcomeMessageRequested, d.sendWelcome)
	d.Register(events.EventInvoiceRequested, d.raiseInvoice)
	d.Register(events.EventPaymentSetupFailed, d.reportSetupFailure)
	return d
}

// Register installs or replaces the sender for an event type.
func (d *Dispatcher) Register(eventType string, sender Sender) {
	d.senders[eventType] = sender
}

// HandleEvent dispatches one event. Satisfies nats.MessageHandler.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *events.Event) error {
	sender, ok := d.senders[event.Type]
	if !ok {
		d.logger.Debug("no sender for event type, dropping",
			"type", event.Type,
			"event_id", event.ID,
		)
		return nil
	}
	if err := sender(ctx, event); err != nil {
		return fmt.Errorf("handling %s: %w", event.Type, err)
	}
	return nil
}

func (d *Dispatcher) sendWelcome(_ context.Context, event *events.Event) error {
	var data events.WelcomeMessageRequestedData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("decode welcome request: %w", err)
	}

	// TODO: hand off to the transactional mail provider once one is chosen.
	d.logger.Info("welcome message sent",
		"registration_id", data.RegistrationID,
		"email", data.Email,
		"given_name", data.GivenName,
	)
	return nil
}

func (d *Dispatcher) raiseInvoice(_ context.Context, event *events.Event) error {
	var data events.InvoiceRequestedData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("decode invoice request: %w", err)
	}

	d.logger.Info("invoice raised",
		"registration_id", data.RegistrationID,
		"provider_payment_id", data.ProviderPaymentID,
		"amount_minor", data.AmountMinor,
		"currency", data.Currency,
	)
	return nil
}

func (d *Dispatcher) reportSetupFailure(_ context.Context, event *events.Event) error {
	var data events.PaymentSetupFailedData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("decode setup failure: %w", err)
	}

	d.logger.Warn("payment setup failure reported",
		"registration_id", data.RegistrationID,
		"step", data.Step,
		"reason", data.Reason,
	)
	return nil
}
