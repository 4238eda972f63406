package registration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"ddcollect/internal/common/database"
	"ddcollect/internal/common/events"
	"ddcollect/internal/directdebit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	customerErr    error
	bankAccountErr error
	mandateErr     error
	paymentErr     error

	mandateStatus directdebit.MandateStatus
	paymentCalls  int
	bankCalls     int
}

func (p *fakeProvider) CreateCustomer(_ context.Context, profile directdebit.CustomerProfile) (*directdebit.ProviderCustomer, error) {
	if p.customerErr != nil {
		return nil, p.customerErr
	}
	return &directdebit.ProviderCustomer{ID: "CU1", Email: profile.Email}, nil
}

func (p *fakeProvider) CreateBankAccount(_ context.Context, providerCustomerID string, details directdebit.BankDetails) (*directdebit.ProviderBankAccount, error) {
	p.bankCalls++
	if p.bankAccountErr != nil {
		return nil, p.bankAccountErr
	}
	return &directdebit.ProviderBankAccount{ID: "BA1", CountryCode: details.CountryCode}, nil
}

func (p *fakeProvider) CreateMandate(_ context.Context, bankAccountID string, params directdebit.MandateParams) (*directdebit.Mandate, error) {
	if p.mandateErr != nil {
		return nil, p.mandateErr
	}
	status := p.mandateStatus
	if status == "" {
		status = directdebit.MandatePendingSubmission
	}
	return &directdebit.Mandate{
		ID:            "MD1",
		Scheme:        directdebit.ResolveRule(params.CountryCode).Scheme,
		Status:        status,
		BankAccountID: bankAccountID,
	}, nil
}

func (p *fakeProvider) CreatePayment(_ context.Context, mandateID string, params directdebit.PaymentParams) (*directdebit.Payment, error) {
	p.paymentCalls++
	if p.paymentErr != nil {
		return nil, p.paymentErr
	}
	return &directdebit.Payment{
		ID:          "PM1",
		AmountMinor: params.AmountMinor,
		Currency:    "GBP",
		Status:      directdebit.PaymentPending,
		Reference:   params.Reference,
		MandateID:   mandateID,
	}, nil
}

type memStore struct {
	registrations map[string]*Registration
	payments      map[string]*PaymentRecord
}

func newMemStore() *memStore {
	return &memStore{
		registrations: map[string]*Registration{},
		payments:      map[string]*PaymentRecord{},
	}
}

func (s *memStore) CreateRegistration(_ context.Context, reg *Registration) error {
	cp := *reg
	s.registrations[reg.ID] = &cp
	return nil
}

func (s *memStore) GetRegistration(_ context.Context, id string) (*Registration, error) {
	reg, ok := s.registrations[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (s *memStore) GetRegistrationByMandate(_ context.Context, mandateID string) (*Registration, error) {
	for _, reg := range s.registrations {
		if reg.MandateID == mandateID {
			cp := *reg
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) UpdateRegistration(_ context.Context, reg *Registration) error {
	if _, ok := s.registrations[reg.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *reg
	s.registrations[reg.ID] = &cp
	return nil
}

func (s *memStore) UpdateMandateStatus(_ context.Context, mandateID string, status directdebit.MandateStatus) error {
	for _, reg := range s.registrations {
		if reg.MandateID == mandateID {
			reg.MandateStatus = status
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *memStore) CreatePayment(_ context.Context, p *PaymentRecord) error {
	cp := *p
	s.payments[p.ProviderPaymentID] = &cp
	return nil
}

func (s *memStore) GetPaymentByProviderID(_ context.Context, providerPaymentID string) (*PaymentRecord, error) {
	p, ok := s.payments[providerPaymentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdatePaymentStatus(_ context.Context, providerPaymentID string, status directdebit.PaymentStatus) error {
	p, ok := s.payments[providerPaymentID]
	if !ok {
		return database.ErrNotFound
	}
	p.Status = status
	return nil
}

type memPublisher struct {
	events []*events.Event
	err    error
}

func (p *memPublisher) Publish(_ context.Context, event *events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) types() []string {
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func usRequest() RegisterRequest {
	return RegisterRequest{
		Profile: directdebit.CustomerProfile{
			Email:       "ada@example.com",
			GivenName:   "Ada",
			FamilyName:  "Lovelace",
			CountryCode: "US",
		},
		BankDetails: &directdebit.BankDetails{
			AccountHolderName: "Ada Lovelace",
			BankCode:          "021000021",
			AccountNumber:     "55779911",
			AccountType:       "checking",
		},
		PayerIPAddress: "203.0.113.10",
	}
}

func TestRegister_FullProvisioning(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := NewService(store, &fakeProvider{}, pub, testLogger())

	reg, err := svc.Register(context.Background(), usRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if reg.PaymentSetup != SetupComplete {
		t.Errorf("payment setup = %s, want complete", reg.PaymentSetup)
	}
	if reg.ProviderCustomerID != "CU1" || reg.ProviderBankAccountID != "BA1" || reg.MandateID != "MD1" {
		t.Errorf("provider ids = %s/%s/%s", reg.ProviderCustomerID, reg.ProviderBankAccountID, reg.MandateID)
	}
	if reg.MandateScheme != directdebit.SchemeACH {
		t.Errorf("scheme = %s, want ach", reg.MandateScheme)
	}
	if reg.MandateStatus != directdebit.MandatePendingSubmission {
		t.Errorf("mandate status = %s", reg.MandateStatus)
	}

	stored, err := store.GetRegistration(context.Background(), reg.ID)
	if err != nil {
		t.Fatalf("stored registration missing: %v", err)
	}
	if stored.PaymentSetup != SetupComplete {
		t.Errorf("stored payment setup = %s", stored.PaymentSetup)
	}

	got := pub.types()
	want := []string{events.EventRegistrationCreated, events.EventWelcomeMessageRequested}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegister_WithoutBankDetails(t *testing.T) {
	provider := &fakeProvider{}
	svc := NewService(newMemStore(), provider, &memPublisher{}, testLogger())

	req := usRequest()
	req.BankDetails = nil

	reg, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.PaymentSetup != SetupSkipped {
		t.Errorf("payment setup = %s, want skipped", reg.PaymentSetup)
	}
	if reg.ProviderCustomerID != "CU1" {
		t.Errorf("customer id = %s, want CU1", reg.ProviderCustomerID)
	}
	if reg.MandateID != "" {
		t.Errorf("mandate id = %s, want empty", reg.MandateID)
	}
	if provider.bankCalls != 0 {
		t.Errorf("bank account created %d times, want 0", provider.bankCalls)
	}
}

func TestRegister_EmptyBankDetailsSkips(t *testing.T) {
	svc := NewService(newMemStore(), &fakeProvider{}, &memPublisher{}, testLogger())

	req := usRequest()
	req.BankDetails = &directdebit.BankDetails{}

	reg, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.PaymentSetup != SetupSkipped {
		t.Errorf("payment setup = %s, want skipped", reg.PaymentSetup)
	}
}

func TestRegister_DegradesOnProviderRejection(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		step     string
	}{
		{"customer step", &fakeProvider{customerErr: &directdebit.ProviderError{Op: "provider customer creation", StatusCode: 422}}, StepCustomer},
		{"bank account step", &fakeProvider{bankAccountErr: &directdebit.ProviderError{Op: "bank account creation", StatusCode: 422}}, StepBankAccount},
		{"mandate step", &fakeProvider{mandateErr: &directdebit.TransportError{Op: "mandate creation", Err: errors.New("timeout")}}, StepMandate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			pub := &memPublisher{}
			svc := NewService(store, tt.provider, pub, testLogger())

			reg, err := svc.Register(context.Background(), usRequest())
			if err != nil {
				t.Fatalf("Register should degrade, got error: %v", err)
			}
			if reg.PaymentSetup != SetupFailed {
				t.Errorf("payment setup = %s, want failed", reg.PaymentSetup)
			}
			if reg.SetupError == "" {
				t.Error("setup error not recorded")
			}

			var sawFailure bool
			for _, e := range pub.events {
				if e.Type == events.EventPaymentSetupFailed {
					sawFailure = true
					var data events.PaymentSetupFailedData
					if err := e.DecodeData(&data); err != nil {
						t.Fatalf("decode event data: %v", err)
					}
					if data.Step != tt.step {
						t.Errorf("failed step = %s, want %s", data.Step, tt.step)
					}
				}
			}
			if !sawFailure {
				t.Error("payment_setup_failed event not published")
			}
		})
	}
}

func TestRegister_ValidationErrorAborts(t *testing.T) {
	provider := &fakeProvider{
		bankAccountErr: &directdebit.ValidationError{Field: "account_type", Reason: "required when bank details are supplied"},
	}
	svc := NewService(newMemStore(), provider, &memPublisher{}, testLogger())

	req := usRequest()
	req.BankDetails.AccountType = ""

	_, err := svc.Register(context.Background(), req)
	var verr *directdebit.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRegister_PublisherFailureIsIsolated(t *testing.T) {
	svc := NewService(newMemStore(), &fakeProvider{}, &memPublisher{err: errors.New("nats down")}, testLogger())

	reg, err := svc.Register(context.Background(), usRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.PaymentSetup != SetupComplete {
		t.Errorf("payment setup = %s, want complete", reg.PaymentSetup)
	}
}

func registeredService(t *testing.T, provider *fakeProvider, pub *memPublisher) (*Service, *memStore, *Registration) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, provider, pub, testLogger())
	reg, err := svc.Register(context.Background(), usRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return svc, store, reg
}

func TestApplyStatusUpdate_MandateTransitions(t *testing.T) {
	svc, store, _ := registeredService(t, &fakeProvider{}, &memPublisher{})
	ctx := context.Background()

	apply := func(status string) {
		t.Helper()
		if err := svc.ApplyStatusUpdate(ctx, directdebit.StatusUpdate{
			ID: "EV", ResourceType: directdebit.ResourceMandates,
			ResourceID: "MD1", Status: status, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("ApplyStatusUpdate(%s): %v", status, err)
		}
	}

	apply("submitted")
	reg, _ := store.GetRegistrationByMandate(ctx, "MD1")
	if reg.MandateStatus != directdebit.MandateSubmitted {
		t.Fatalf("status = %s, want submitted", reg.MandateStatus)
	}

	apply("active")
	reg, _ = store.GetRegistrationByMandate(ctx, "MD1")
	if reg.MandateStatus != directdebit.MandateActive {
		t.Fatalf("status = %s, want active", reg.MandateStatus)
	}

	// Backward move is ignored, not an error.
	apply("submitted")
	reg, _ = store.GetRegistrationByMandate(ctx, "MD1")
	if reg.MandateStatus != directdebit.MandateActive {
		t.Errorf("status = %s after ignored transition, want active", reg.MandateStatus)
	}

	apply("cancelled")
	reg, _ = store.GetRegistrationByMandate(ctx, "MD1")
	if reg.MandateStatus != directdebit.MandateCancelled {
		t.Errorf("status = %s, want cancelled", reg.MandateStatus)
	}

	// Terminal states stay put.
	apply("active")
	reg, _ = store.GetRegistrationByMandate(ctx, "MD1")
	if reg.MandateStatus != directdebit.MandateCancelled {
		t.Errorf("status = %s after terminal, want cancelled", reg.MandateStatus)
	}
}

func TestApplyStatusUpdate_UnknownDropped(t *testing.T) {
	svc, store, _ := registeredService(t, &fakeProvider{}, &memPublisher{})

	if err := svc.ApplyStatusUpdate(context.Background(), directdebit.StatusUpdate{
		ID: "EV", ResourceType: directdebit.ResourceMandates,
		ResourceID: "MD1", Status: directdebit.StatusUnknown,
	}); err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}
	reg, _ := store.GetRegistrationByMandate(context.Background(), "MD1")
	if reg.MandateStatus != directdebit.MandatePendingSubmission {
		t.Errorf("status = %s, want unchanged", reg.MandateStatus)
	}
}

func TestApplyStatusUpdate_UnmatchedMandate(t *testing.T) {
	svc, _, _ := registeredService(t, &fakeProvider{}, &memPublisher{})

	err := svc.ApplyStatusUpdate(context.Background(), directdebit.StatusUpdate{
		ID: "EV", ResourceType: directdebit.ResourceMandates,
		ResourceID: "MD-unknown", Status: "active",
	})
	if !database.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCollectPayment(t *testing.T) {
	pub := &memPublisher{}
	svc, store, reg := registeredService(t, &fakeProvider{}, pub)

	record, err := svc.CollectPayment(context.Background(), reg.ID, directdebit.PaymentParams{
		AmountMinor: 2500,
		Reference:   "INV-1",
	})
	if err != nil {
		t.Fatalf("CollectPayment: %v", err)
	}
	if record.ProviderPaymentID != "PM1" || record.MandateID != "MD1" {
		t.Errorf("record = %+v", record)
	}
	if record.Amount.AmountMinor != 2500 {
		t.Errorf("amount = %d, want 2500", record.Amount.AmountMinor)
	}

	stored, err := store.GetPaymentByProviderID(context.Background(), "PM1")
	if err != nil {
		t.Fatalf("stored payment missing: %v", err)
	}
	if stored.RegistrationID != reg.ID {
		t.Errorf("registration id = %s, want %s", stored.RegistrationID, reg.ID)
	}

	var sawCreated, sawInvoice bool
	for _, e := range pub.events {
		switch e.Type {
		case events.EventPaymentCreated:
			sawCreated = true
		case events.EventInvoiceRequested:
			sawInvoice = true
		}
	}
	if !sawCreated || !sawInvoice {
		t.Errorf("published %v, want payment.created and billing.invoice.requested", pub.types())
	}
}

func TestCollectPayment_NoMandate(t *testing.T) {
	provider := &fakeProvider{}
	store := newMemStore()
	svc := NewService(store, provider, &memPublisher{}, testLogger())

	req := usRequest()
	req.BankDetails = nil
	reg, err := svc.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = svc.CollectPayment(context.Background(), reg.ID, directdebit.PaymentParams{AmountMinor: 100})
	if !errors.Is(err, ErrNoMandate) {
		t.Fatalf("err = %v, want ErrNoMandate", err)
	}
	if provider.paymentCalls != 0 {
		t.Errorf("provider called %d times, want 0", provider.paymentCalls)
	}
}

func TestCollectPayment_TerminalMandate(t *testing.T) {
	provider := &fakeProvider{}
	svc, store, reg := registeredService(t, provider, &memPublisher{})

	if err := store.UpdateMandateStatus(context.Background(), "MD1", directdebit.MandateCancelled); err != nil {
		t.Fatalf("UpdateMandateStatus: %v", err)
	}

	_, err := svc.CollectPayment(context.Background(), reg.ID, directdebit.PaymentParams{AmountMinor: 100})
	var verr *directdebit.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if provider.paymentCalls != 0 {
		t.Errorf("provider called %d times, want 0", provider.paymentCalls)
	}
}

func TestApplyStatusUpdate_PaymentStatus(t *testing.T) {
	pub := &memPublisher{}
	svc, store, reg := registeredService(t, &fakeProvider{}, pub)

	if _, err := svc.CollectPayment(context.Background(), reg.ID, directdebit.PaymentParams{AmountMinor: 100}); err != nil {
		t.Fatalf("CollectPayment: %v", err)
	}

	if err := svc.ApplyStatusUpdate(context.Background(), directdebit.StatusUpdate{
		ID: "EV", ResourceType: directdebit.ResourcePayments,
		ResourceID: "PM1", Status: string(directdebit.PaymentPaid), CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}

	stored, _ := store.GetPaymentByProviderID(context.Background(), "PM1")
	if stored.Status != directdebit.PaymentPaid {
		t.Errorf("status = %s, want paid", stored.Status)
	}

	var sawChange bool
	for _, e := range pub.events {
		if e.Type == events.EventPaymentStatusChanged {
			sawChange = true
		}
	}
	if !sawChange {
		t.Error("payment.status_changed not published")
	}
}
