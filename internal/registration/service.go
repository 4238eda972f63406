package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"ddcollect/internal/common/events"
	"ddcollect/internal/common/money"
	"ddcollect/internal/directdebit"
)

// Provisioning step names carried on payment_setup_failed events.
const (
	StepCustomer    = "customer"
	StepBankAccount = "bank_account"
	StepMandate     = "mandate"
)

// ErrNoMandate is returned when a payment is requested for a registration
// without an active payment setup.
var ErrNoMandate = errors.New("registration has no mandate")

// ProviderClient is the subset of the direct-debit provider client the
// service drives.
type ProviderClient interface {
	CreateCustomer(ctx context.Context, profile directdebit.CustomerProfile) (*directdebit.ProviderCustomer, error)
	CreateBankAccount(ctx context.Context, providerCustomerID string, details directdebit.BankDetails) (*directdebit.ProviderBankAccount, error)
	CreateMandate(ctx context.Context, bankAccountID string, params directdebit.MandateParams) (*directdebit.Mandate, error)
	CreatePayment(ctx context.Context, mandateID string, params directdebit.PaymentParams) (*directdebit.Payment, error)
}

// Store persists registrations and collection payments.
type Store interface {
	CreateRegistration(ctx context.Context, reg *Registration) error
	GetRegistration(ctx context.Context, id string) (*Registration, error)
	GetRegistrationByMandate(ctx context.Context, mandateID string) (*Registration, error)
	UpdateRegistration(ctx context.Context, reg *Registration) error
	UpdateMandateStatus(ctx context.Context, mandateID string, status directdebit.MandateStatus) error
	CreatePayment(ctx context.Context, p *PaymentRecord) error
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*PaymentRecord, error)
	UpdatePaymentStatus(ctx context.Context, providerPaymentID string, status directdebit.PaymentStatus) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service orchestrates registration and payment collection against the
// direct-debit provider.
type Service struct {
	store     Store
	provider  ProviderClient
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new registration service.
func NewService(store Store, provider ProviderClient, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		provider:  provider,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRequest carries a new customer's profile and, optionally, their
// bank details and originating IP address.
type RegisterRequest struct {
	Profile        directdebit.CustomerProfile
	BankDetails    *directdebit.BankDetails
	PayerIPAddress string
}

// Register creates a local registration and mirrors it to the provider. The
// local record always persists: if any provider call fails the registration
// completes with payment_setup=failed and the failing step recorded, and a
// registration without bank details completes with payment_setup=skipped.
// Only caller input errors (invalid bank details) abort the whole request.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	now := time.Now().UTC()
	reg := &Registration{
		ID:           ulid.Make().String(),
		Email:        req.Profile.Email,
		GivenName:    req.Profile.GivenName,
		FamilyName:   req.Profile.FamilyName,
		CompanyName:  req.Profile.CompanyName,
		Phone:        req.Profile.Phone,
		CountryCode:  req.Profile.CountryCode,
		PaymentSetup: SetupPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("create registration: %w", err)
	}

	if err := s.provision(ctx, reg, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("update registration: %w", err)
	}

	s.publish(ctx, events.EventRegistrationCreated, "registration", reg.ID, events.RegistrationCreatedData{
		RegistrationID:     reg.ID,
		Email:              reg.Email,
		CountryCode:        reg.CountryCode,
		PaymentSetup:       string(reg.PaymentSetup),
		ProviderCustomerID: reg.ProviderCustomerID,
		MandateID:          reg.MandateID,
	})
	s.publish(ctx, events.EventWelcomeMessageRequested, "registration", reg.ID, events.WelcomeMessageRequestedData{
		RegistrationID: reg.ID,
		Phone:          reg.Phone,
		Email:          reg.Email,
		GivenName:      reg.GivenName,
	})

	s.logger.Info("registration completed",
		"registration_id", reg.ID,
		"country", reg.CountryCode,
		"payment_setup", reg.PaymentSetup,
	)
	return reg, nil
}

// provision runs the customer -> bank account -> mandate sequence, mutating
// reg in place. Provider failures degrade rather than propagate; only
// validation errors on caller input are returned.
func (s *Service) provision(ctx context.Context, reg *Registration, req RegisterRequest) error {
	profile := req.Profile
	profile.InternalID = reg.ID

	customer, err := s.provider.CreateCustomer(ctx, profile)
	if err != nil {
		return s.degrade(ctx, reg, StepCustomer, err)
	}
	reg.ProviderCustomerID = customer.ID

	if req.BankDetails == nil || req.BankDetails.Empty() {
		reg.PaymentSetup = SetupSkipped
		return nil
	}

	details := *req.BankDetails
	if details.CountryCode == "" {
		details.CountryCode = profile.CountryCode
	}

	account, err := s.provider.CreateBankAccount(ctx, customer.ID, details)
	if err != nil {
		return s.degrade(ctx, reg, StepBankAccount, err)
	}
	reg.ProviderBankAccountID = account.ID

	mandate, err := s.provider.CreateMandate(ctx, account.ID, directdebit.MandateParams{
		CountryCode:    details.CountryCode,
		PayerIPAddress: req.PayerIPAddress,
	})
	if err != nil {
		return s.degrade(ctx, reg, StepMandate, err)
	}

	reg.MandateID = mandate.ID
	reg.MandateScheme = mandate.Scheme
	reg.MandateStatus = mandate.Status
	reg.PaymentSetup = SetupComplete
	return nil
}

// degrade records a failed provisioning step on the registration. Validation
// errors bubble to the caller as their own mistake; provider and transport
// errors mark the registration failed and are swallowed.
func (s *Service) degrade(ctx context.Context, reg *Registration, step string, err error) error {
	var verr *directdebit.ValidationError
	if errors.As(err, &verr) {
		return err
	}

	reg.PaymentSetup = SetupFailed
	reg.SetupError = fmt.Sprintf("%s: %v", step, err)

	s.logger.Warn("payment setup failed, continuing registration",
		"registration_id", reg.ID,
		"step", step,
		"error", err,
	)
	s.publish(ctx, events.EventPaymentSetupFailed, "registration", reg.ID, events.PaymentSetupFailedData{
		RegistrationID: reg.ID,
		Step:           step,
		Reason:         err.Error(),
	})
	return nil
}

// GetRegistration fetches a registration by id.
func (s *Service) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	return s.store.GetRegistration(ctx, id)
}

// CollectPayment collects a payment against a registration's mandate and
// records it locally.
func (s *Service) CollectPayment(ctx context.Context, registrationID string, params directdebit.PaymentParams) (*PaymentRecord, error) {
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.MandateID == "" {
		return nil, fmt.Errorf("registration %s: %w", registrationID, ErrNoMandate)
	}
	if reg.MandateStatus.Terminal() {
		return nil, &directdebit.ValidationError{
			Field:  "mandate_status",
			Reason: fmt.Sprintf("mandate is %s, no further payments possible", reg.MandateStatus),
		}
	}

	payment, err := s.provider.CreatePayment(ctx, reg.MandateID, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &PaymentRecord{
		ID:                ulid.Make().String(),
		RegistrationID:    reg.ID,
		ProviderPaymentID: payment.ID,
		MandateID:         reg.MandateID,
		Amount:            money.New(payment.AmountMinor, payment.Currency),
		Reference:         payment.Reference,
		Status:            payment.Status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if payment.ChargeDate != "" {
		if d, err := time.Parse("2006-01-02", payment.ChargeDate); err == nil {
			record.ChargeDate = &d
		}
	}
	if record.Status == "" {
		record.Status = directdebit.PaymentPending
	}
	if err := s.store.CreatePayment(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment %s: %w", payment.ID, err)
	}

	s.publish(ctx, events.EventPaymentCreated, "payment", record.ID, events.PaymentCreatedData{
		RegistrationID:    reg.ID,
		ProviderPaymentID: payment.ID,
		MandateID:         reg.MandateID,
		AmountMinor:       payment.AmountMinor,
		Currency:          string(payment.Currency),
	})
	s.publish(ctx, events.EventInvoiceRequested, "payment", record.ID, events.InvoiceRequestedData{
		RegistrationID:    reg.ID,
		ProviderPaymentID: payment.ID,
		MandateID:         reg.MandateID,
		AmountMinor:       payment.AmountMinor,
		Currency:          string(payment.Currency),
	})

	s.logger.Info("payment collected",
		"registration_id", reg.ID,
		"provider_payment_id", payment.ID,
		"amount", record.Amount,
	)
	return record, nil
}

// ApplyStatusUpdate consumes a normalized webhook status update and advances
// the matching local record. Unknown statuses and unmatched resources are
// logged and dropped; mandate transitions the state machine forbids are
// ignored.
func (s *Service) ApplyStatusUpdate(ctx context.Context, update directdebit.StatusUpdate) error {
	if update.Status == directdebit.StatusUnknown {
		s.logger.Warn("dropping unrecognized status update",
			"event_id", update.ID,
			"resource_type", update.ResourceType,
			"message", update.Message,
		)
		return nil
	}

	switch update.ResourceType {
	case directdebit.ResourceMandates:
		return s.applyMandateUpdate(ctx, update)
	case directdebit.ResourcePayments:
		return s.applyPaymentUpdate(ctx, update)
	default:
		s.logger.Warn("dropping status update for unknown resource type",
			"event_id", update.ID,
			"resource_type", update.ResourceType,
		)
		return nil
	}
}

func (s *Service) applyMandateUpdate(ctx context.Context, update directdebit.StatusUpdate) error {
	reg, err := s.store.GetRegistrationByMandate(ctx, update.ResourceID)
	if err != nil {
		return fmt.Errorf("mandate %s: %w", update.ResourceID, err)
	}

	next := directdebit.MandateStatus(update.Status)
	if !reg.MandateStatus.CanTransitionTo(next) {
		s.logger.Info("ignoring mandate transition",
			"mandate_id", update.ResourceID,
			"from", reg.MandateStatus,
			"to", next,
		)
		return nil
	}
	if err := s.store.UpdateMandateStatus(ctx, update.ResourceID, next); err != nil {
		return err
	}

	s.publish(ctx, events.EventMandateStatusChanged, "mandate", update.ResourceID, events.MandateStatusChangedData{
		RegistrationID: reg.ID,
		MandateID:      update.ResourceID,
		OldStatus:      string(reg.MandateStatus),
		NewStatus:      string(next),
		ChangedAt:      update.CreatedAt,
	})
	s.logger.Info("mandate status changed",
		"mandate_id", update.ResourceID,
		"from", reg.MandateStatus,
		"to", next,
	)
	return nil
}

func (s *Service) applyPaymentUpdate(ctx context.Context, update directdebit.StatusUpdate) error {
	record, err := s.store.GetPaymentByProviderID(ctx, update.ResourceID)
	if err != nil {
		return fmt.Errorf("payment %s: %w", update.ResourceID, err)
	}

	next := directdebit.PaymentStatus(update.Status)
	if next == record.Status {
		return nil
	}
	if err := s.store.UpdatePaymentStatus(ctx, update.ResourceID, next); err != nil {
		return err
	}

	s.publish(ctx, events.EventPaymentStatusChanged, "payment", record.ID, events.PaymentStatusChangedData{
		ProviderPaymentID: update.ResourceID,
		MandateID:         record.MandateID,
		OldStatus:         string(record.Status),
		NewStatus:         string(next),
		ChangedAt:         update.CreatedAt,
	})
	return nil
}

// publish emits a domain event, logging failures instead of propagating
// them. Side effects never change the outcome of the operation that raised
// them.
func (s *Service) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
