package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Event types
const (
	// Registration events
	EventRegistrationCreated     = "registration.created"
	EventPaymentSetupFailed      = "registration.payment_setup_failed"

	// Mandate events
	EventMandateStatusChanged = "mandate.status_changed"

	// Payment events
	EventPaymentCreated       = "payment.created"
	EventPaymentStatusChanged = "payment.status_changed"

	// Side-effect requests for the notification/billing collaborators.
	// Fire-and-forget: a consumer failure never affects registration.
	EventWelcomeMessageRequested = "notify.welcome_message.requested"
	EventInvoiceRequested        = "billing.invoice.requested"
)

// RegistrationCreatedData is the data for registration.created events
type RegistrationCreatedData struct {
	RegistrationID     string `json:"registration_id"`
	Email              string `json:"email"`
	CountryCode        string `json:"country_code"`
	PaymentSetup       string `json:"payment_setup"`
	ProviderCustomerID string `json:"provider_customer_id,omitempty"`
	MandateID          string `json:"mandate_id,omitempty"`
}

// PaymentSetupFailedData is the data for registration.payment_setup_failed events
type PaymentSetupFailedData struct {
	RegistrationID string `json:"registration_id"`
	Step           string `json:"step"`
	Reason         string `json:"reason"`
}

// MandateStatusChangedData is the data for mandate.status_changed events
type MandateStatusChangedData struct {
	RegistrationID string    `json:"registration_id"`
	MandateID      string    `json:"mandate_id"`
	OldStatus      string    `json:"old_status"`
	NewStatus      string    `json:"new_status"`
	ChangedAt      time.Time `json:"changed_at"`
}

// PaymentCreatedData is the data for payment.created events
type PaymentCreatedData struct {
	RegistrationID    string `json:"registration_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	MandateID         string `json:"mandate_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
}

// PaymentStatusChangedData is the data for payment.status_changed events
type PaymentStatusChangedData struct {
	ProviderPaymentID string    `json:"provider_payment_id"`
	MandateID         string    `json:"mandate_id,omitempty"`
	OldStatus         string    `json:"old_status"`
	NewStatus         string    `json:"new_status"`
	ChangedAt         time.Time `json:"changed_at"`
}

// WelcomeMessageRequestedData asks the notification collaborator to greet a
// newly registered customer
type WelcomeMessageRequestedData struct {
	RegistrationID string `json:"registration_id"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email"`
	GivenName      string `json:"given_name"`
}

// InvoiceRequestedData asks the billing collaborator to raise an invoice
// referencing a collected payment
type InvoiceRequestedData struct {
	RegistrationID    string `json:"registration_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	MandateID         string `json:"mandate_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
}
