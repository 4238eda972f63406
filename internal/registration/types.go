// Package registration orchestrates customer registration: mirroring the
// customer to the direct-debit provider, provisioning bank account and
// mandate when bank details are present, and recording payment collection.
package registration

import (
	"time"

	"ddcollect/internal/common/money"
	"ddcollect/internal/directdebit"
)

// PaymentSetupStatus is the outcome of payment provisioning for a
// registration. A provider-side failure degrades the registration rather
// than failing it.
type PaymentSetupStatus string

const (
	SetupPending  PaymentSetupStatus = "pending"
	SetupComplete PaymentSetupStatus = "complete"
	SetupSkipped  PaymentSetupStatus = "skipped"
	SetupFailed   PaymentSetupStatus = "failed"
)

// Registration is the local record of a registered customer and their
// payment provisioning state.
type Registration struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	GivenName   string `json:"given_name"`
	FamilyName  string `json:"family_name"`
	CompanyName string `json:"company_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	CountryCode string `json:"country_code"`

	PaymentSetup PaymentSetupStatus `json:"payment_setup"`
	SetupError   string             `json:"setup_error,omitempty"`

	ProviderCustomerID    string                    `json:"provider_customer_id,omitempty"`
	ProviderBankAccountID string                    `json:"provider_bank_account_id,omitempty"`
	MandateID             string                    `json:"mandate_id,omitempty"`
	MandateScheme         directdebit.Scheme        `json:"mandate_scheme,omitempty"`
	MandateStatus         directdebit.MandateStatus `json:"mandate_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentRecord is the local record of a payment collected against a
// registration's mandate.
type PaymentRecord struct {
	ID                string                    `json:"id"`
	RegistrationID    string                    `json:"registration_id"`
	ProviderPaymentID string                    `json:"provider_payment_id"`
	MandateID         string                    `json:"mandate_id"`
	Amount            money.Money               `json:"amount"`
	Reference         string                    `json:"reference,omitempty"`
	ChargeDate        *time.Time                `json:"charge_date,omitempty"`
	Status            directdebit.PaymentStatus `json:"status"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}
