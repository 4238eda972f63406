package directdebit

import (
	"context"
	"fmt"
	"time"

	"ddcollect/internal/common/money"
)

// maxReferenceLength is the provider's limit on payment references.
const maxReferenceLength = 10

// PaymentStatus is the lifecycle status of a payment.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentSubmitted   PaymentStatus = "submitted"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
	PaymentCancelled   PaymentStatus = "cancelled"
	PaymentChargedBack PaymentStatus = "charged_back"
)

// Payment is a provider-side payment collected against a mandate.
type Payment struct {
	ID          string         `json:"id"`
	AmountMinor int64          `json:"amount"`
	Currency    money.Currency `json:"currency"`
	Status      PaymentStatus  `json:"status"`
	Reference   string         `json:"reference,omitempty"`
	ChargeDate  string         `json:"charge_date,omitempty"`
	MandateID   string         `json:"mandate_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PaymentParams controls payment creation. Currency is advisory only: the
// outgoing currency always derives from the mandate's scheme.
type PaymentParams struct {
	AmountMinor int64
	Description string
	Reference   string
	ChargeDate  time.Time
	Currency    money.Currency
}

type paymentPayload struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	ChargeDate  string            `json:"charge_date,omitempty"`
	Links       map[string]string `json:"links"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreatePayment collects a payment against an existing mandate. The mandate
// is fetched first to read its scheme, and the authoritative currency is
// derived from that scheme, overriding anything the caller passed; this
// prevents currency/scheme mismatches the provider would reject. No
// automatic retries: a retry is the caller's call, safe under the same
// idempotency key.
func (c *Client) CreatePayment(ctx context.Context, mandateID string, params PaymentParams) (*Payment, error) {
	const op = "payment creation"

	if mandateID == "" {
		return nil, &ValidationError{Field: "mandate_id", Reason: "required"}
	}
	if params.AmountMinor <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be a positive count of minor units"}
	}

	mandate, err := c.GetMandate(ctx, mandateID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	currency := SchemeCurrency(mandate.Scheme)
	if params.Currency != "" && params.Currency != currency {
		c.logger.Warn("overriding caller currency with scheme currency",
			"mandate_id", mandateID,
			"scheme", mandate.Scheme,
			"requested", params.Currency,
			"actual", currency,
		)
	}

	payload := paymentPayload{
		Amount:      params.AmountMinor,
		Currency:    string(currency),
		Description: params.Description,
		Reference:   paymentReference(params.Reference),
		Links:       map[string]string{"mandate": mandateID},
		Metadata:    map[string]string{"source": c.config.SourceTag},
	}
	if !params.ChargeDate.IsZero() {
		payload.ChargeDate = params.ChargeDate.Format("2006-01-02")
	}

	var out Payment
	if err := c.create(ctx, op, "/payments", "payments", payload, &out); err != nil {
		return nil, err
	}
	if out.MandateID == "" {
		out.MandateID = mandateID
	}

	c.logger.Info("payment created",
		"payment_id", out.ID,
		"mandate_id", mandateID,
		"amount", out.AmountMinor,
		"currency", out.Currency,
	)
	return &out, nil
}

// GetPayment fetches a payment by provider id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	if err := c.get(ctx, "payment lookup", "/payments/"+paymentID, "payments", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// paymentReference truncates a reference to the provider limit, deriving a
// timestamp-suffixed fallback when none was supplied.
func paymentReference(ref string) string {
	if ref == "" {
		ref = fmt.Sprintf("DD%d", time.Now().Unix())
	}
	if len(ref) > maxReferenceLength {
		return ref[:maxReferenceLength]
	}
	return ref
}
