package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ddcollect/internal/common/database"
	"ddcollect/internal/common/money"
	"ddcollect/internal/directdebit"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateRegistration inserts a new registration.
func (s *PostgresStore) CreateRegistration(ctx context.Context, reg *Registration) error {
	query := `
		INSERT INTO registrations (
			id, email, given_name, family_name, company_name, phone, country_code,
			payment_setup, setup_error,
			provider_customer_id, provider_bank_account_id,
			mandate_id, mandate_scheme, mandate_status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := s.pool.Exec(ctx, query,
		reg.ID, reg.Email, reg.GivenName, reg.FamilyName, nullStr(reg.CompanyName),
		nullStr(reg.Phone), reg.CountryCode, reg.PaymentSetup, nullStr(reg.SetupError),
		nullStr(reg.ProviderCustomerID), nullStr(reg.ProviderBankAccountID),
		nullStr(reg.MandateID), nullStr(string(reg.MandateScheme)), nullStr(string(reg.MandateStatus)),
		reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("registration %s: %w", reg.ID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetRegistration retrieves a registration by ID.
func (s *PostgresStore) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	row := s.pool.QueryRow(ctx, selectRegistration+` WHERE id = $1`, id)
	return scanRegistration(row)
}

// GetRegistrationByMandate retrieves the registration holding a mandate.
func (s *PostgresStore) GetRegistrationByMandate(ctx context.Context, mandateID string) (*Registration, error) {
	row := s.pool.QueryRow(ctx, selectRegistration+` WHERE mandate_id = $1`, mandateID)
	return scanRegistration(row)
}

// UpdateRegistration updates the payment provisioning fields of a
// registration.
func (s *PostgresStore) UpdateRegistration(ctx context.Context, reg *Registration) error {
	query := `
		UPDATE registrations SET
			payment_setup = $2, setup_error = $3,
			provider_customer_id = $4, provider_bank_account_id = $5,
			mandate_id = $6, mandate_scheme = $7, mandate_status = $8,
			updated_at = $9
		WHERE id = $1
	`

	reg.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, query,
		reg.ID, reg.PaymentSetup, nullStr(reg.SetupError),
		nullStr(reg.ProviderCustomerID), nullStr(reg.ProviderBankAccountID),
		nullStr(reg.MandateID), nullStr(string(reg.MandateScheme)), nullStr(string(reg.MandateStatus)),
		reg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registration %s: %w", reg.ID, database.ErrNotFound)
	}
	return nil
}

// UpdateMandateStatus sets the mandate status on the registration holding the
// mandate.
func (s *PostgresStore) UpdateMandateStatus(ctx context.Context, mandateID string, status directdebit.MandateStatus) error {
	query := `
		UPDATE registrations SET mandate_status = $2, updated_at = $3
		WHERE mandate_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, mandateID, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mandate %s: %w", mandateID, database.ErrNotFound)
	}
	return nil
}

// CreatePayment inserts a new collection payment record.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *PaymentRecord) error {
	query := `
		INSERT INTO collection_payments (
			id, registration_id, provider_payment_id, mandate_id,
			amount_minor, currency, reference, charge_date, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.RegistrationID, p.ProviderPaymentID, p.MandateID,
		p.Amount.AmountMinor, p.Amount.Currency, nullStr(p.Reference), p.ChargeDate, p.Status,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ProviderPaymentID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetPaymentByProviderID retrieves a payment record by its provider id.
func (s *PostgresStore) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*PaymentRecord, error) {
	query := `
		SELECT id, registration_id, provider_payment_id, mandate_id,
			   amount_minor, currency, reference, charge_date, status,
			   created_at, updated_at
		FROM collection_payments
		WHERE provider_payment_id = $1
	`

	row := s.pool.QueryRow(ctx, query, providerPaymentID)

	var p PaymentRecord
	var reference *string
	var amountMinor int64
	var currency string

	err := row.Scan(
		&p.ID, &p.RegistrationID, &p.ProviderPaymentID, &p.MandateID,
		&amountMinor, &currency, &reference, &p.ChargeDate, &p.Status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("payment %s: %w", providerPaymentID, database.ErrNotFound)
		}
		return nil, err
	}

	p.Amount = money.New(amountMinor, money.Currency(currency))
	if reference != nil {
		p.Reference = *reference
	}
	return &p, nil
}

// UpdatePaymentStatus sets the status of a payment record by provider id.
func (s *PostgresStore) UpdatePaymentStatus(ctx context.Context, providerPaymentID string, status directdebit.PaymentStatus) error {
	query := `
		UPDATE collection_payments SET status = $2, updated_at = $3
		WHERE provider_payment_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, providerPaymentID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", providerPaymentID, database.ErrNotFound)
	}
	return nil
}

const selectRegistration = `
	SELECT id, email, given_name, family_name, company_name, phone, country_code,
		   payment_setup, setup_error,
		   provider_customer_id, provider_bank_account_id,
		   mandate_id, mandate_scheme, mandate_status,
		   created_at, updated_at
	FROM registrations
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var reg Registration
	var companyName, phone, setupError *string
	var providerCustomerID, providerBankAccountID *string
	var mandateID, mandateScheme, mandateStatus *string

	err := row.Scan(
		&reg.ID, &reg.Email, &reg.GivenName, &reg.FamilyName, &companyName, &phone, &reg.CountryCode,
		&reg.PaymentSetup, &setupError,
		&providerCustomerID, &providerBankAccountID,
		&mandateID, &mandateScheme, &mandateStatus,
		&reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if companyName != nil {
		reg.CompanyName = *companyName
	}
	if phone != nil {
		reg.Phone = *phone
	}
	if setupError != nil {
		reg.SetupError = *setupError
	}
	if providerCustomerID != nil {
		reg.ProviderCustomerID = *providerCustomerID
	}
	if providerBankAccountID != nil {
		reg.ProviderBankAccountID = *providerBankAccountID
	}
	if mandateID != nil {
		reg.MandateID = *mandateID
	}
	if mandateScheme != nil {
		reg.MandateScheme = directdebit.Scheme(*mandateScheme)
	}
	if mandateStatus != nil {
		reg.MandateStatus = directdebit.MandateStatus(*mandateStatus)
	}
	return &reg, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
