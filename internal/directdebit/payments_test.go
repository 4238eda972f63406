package directdebit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"ddcollect/internal/common/money"
)

// paymentTestClient serves a canned mandate on GET and captures the payment
// payload on POST.
func paymentTestClient(t *testing.T, scheme Scheme, gotPayload *map[string]any) *Client {
	t.Helper()
	return newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/mandates/"):
			respond(w, http.StatusOK, "mandates", map[string]any{
				"id": "MD1", "scheme": string(scheme), "status": "active",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			*gotPayload = decodeEnvelope(t, r, "payments")
			respond(w, http.StatusCreated, "payments", map[string]any{
				"id":       "PM1",
				"amount":   (*gotPayload)["amount"],
				"currency": (*gotPayload)["currency"],
				"status":   "pending",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestCreatePayment_CurrencyFromScheme(t *testing.T) {
	tests := []struct {
		scheme Scheme
		want   money.Currency
	}{
		{SchemeACH, money.USD},
		{SchemeBACS, money.GBP},
		{SchemeSEPACore, money.EUR},
	}

	for _, tt := range tests {
		t.Run(string(tt.scheme), func(t *testing.T) {
			var gotPayload map[string]any
			client := paymentTestClient(t, tt.scheme, &gotPayload)

			// Caller asks for GBP regardless; the scheme must win.
			payment, err := client.CreatePayment(context.Background(), "MD1", PaymentParams{
				AmountMinor: 2500,
				Currency:    money.GBP,
				Reference:   "INV-1",
			})
			if err != nil {
				t.Fatalf("CreatePayment: %v", err)
			}
			if gotPayload["currency"] != string(tt.want) {
				t.Errorf("currency = %v, want %s", gotPayload["currency"], tt.want)
			}
			if payment.Currency != tt.want {
				t.Errorf("payment currency = %s, want %s", payment.Currency, tt.want)
			}
			if payment.MandateID != "MD1" {
				t.Errorf("mandate id = %s", payment.MandateID)
			}
		})
	}
}

func TestCreatePayment_Reference(t *testing.T) {
	t.Run("long reference truncated", func(t *testing.T) {
		var gotPayload map[string]any
		client := paymentTestClient(t, SchemeBACS, &gotPayload)

		if _, err := client.CreatePayment(context.Background(), "MD1", PaymentParams{
			AmountMinor: 100,
			Reference:   "SUBSCRIPTION-2026-08",
		}); err != nil {
			t.Fatalf("CreatePayment: %v", err)
		}
		if gotPayload["reference"] != "SUBSCRIPT" {
			t.Errorf("reference = %v, want SUBSCRIPT", gotPayload["reference"])
		}
	})

	t.Run("missing reference gets fallback", func(t *testing.T) {
		var gotPayload map[string]any
		client := paymentTestClient(t, SchemeBACS, &gotPayload)

		if _, err := client.CreatePayment(context.Background(), "MD1", PaymentParams{
			AmountMinor: 100,
		}); err != nil {
			t.Fatalf("CreatePayment: %v", err)
		}
		ref, _ := gotPayload["reference"].(string)
		if !strings.HasPrefix(ref, "DD") {
			t.Errorf("reference = %q, want DD prefix", ref)
		}
		if len(ref) > 10 {
			t.Errorf("reference %q exceeds 10 chars", ref)
		}
	})
}

func TestCreatePayment_ChargeDate(t *testing.T) {
	var gotPayload map[string]any
	client := paymentTestClient(t, SchemeBACS, &gotPayload)

	charge := time.Date(2026, 9, 15, 13, 45, 0, 0, time.UTC)
	if _, err := client.CreatePayment(context.Background(), "MD1", PaymentParams{
		AmountMinor: 100,
		Reference:   "INV-1",
		ChargeDate:  charge,
	}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if gotPayload["charge_date"] != "2026-09-15" {
		t.Errorf("charge_date = %v, want 2026-09-15", gotPayload["charge_date"])
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the provider")
	})

	tests := []struct {
		name   string
		id     string
		amount int64
		field  string
	}{
		{"missing mandate", "", 100, "mandate_id"},
		{"zero amount", "MD1", 0, "amount"},
		{"negative amount", "MD1", -5, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CreatePayment(context.Background(), tt.id, PaymentParams{AmountMinor: tt.amount})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
		})
	}
}

func TestCreatePayment_MandateLookupFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.CreatePayment(context.Background(), "MD404", PaymentParams{AmountMinor: 100})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
