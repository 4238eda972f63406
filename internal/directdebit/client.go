package directdebit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Config holds provider client configuration.
type Config struct {
	BaseURL         string        `envconfig:"DD_BASE_URL" required:"true"`
	AccessToken     string        `envconfig:"DD_ACCESS_TOKEN" required:"true"`
	APIVersion      string        `envconfig:"DD_API_VERSION" default:"2015-07-06"`
	Timeout         time.Duration `envconfig:"DD_TIMEOUT" default:"10s"`
	FallbackPayerIP string        `envconfig:"DD_FALLBACK_PAYER_IP" default:"8.8.8.8"`
	SourceTag       string        `envconfig:"DD_SOURCE_TAG" default:"ddcollect"`
}

// KeyFunc generates a fresh idempotency key. Each logical create operation
// gets its own key; retries of the same operation reuse it.
type KeyFunc func() string

// Client talks to the direct-debit provider's REST API. It drives the
// three-step provisioning sequence (customer -> bank account -> mandate) and
// payment collection against existing mandates.
type Client struct {
	config     Config
	httpClient *http.Client
	newKey     KeyFunc
	logger     *slog.Logger
}

// NewClient creates a provider client with ULID idempotency keys.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		newKey: func() string { return ulid.Make().String() },
		logger: logger,
	}
}

// SetKeyFunc replaces the idempotency key generator.
func (c *Client) SetKeyFunc(fn KeyFunc) {
	c.newKey = fn
}

// CustomerProfile is the caller-side customer record mirrored to the
// provider.
type CustomerProfile struct {
	InternalID   string
	Email        string
	GivenName    string
	FamilyName   string
	CompanyName  string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	Region       string
	PostalCode   string
	CountryCode  string
}

// ProviderCustomer is the provider-side customer resource.
type ProviderCustomer struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	GivenName  string    `json:"given_name"`
	FamilyName string    `json:"family_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// BankDetails are caller-supplied raw bank details. Not persisted by this
// package.
type BankDetails struct {
	AccountHolderName string
	BankCode          string
	AccountNumber     string
	AccountType       string // checking | savings
	CountryCode       string
}

// Empty reports whether no bank fields were supplied at all.
func (b BankDetails) Empty() bool {
	return b.AccountHolderName == "" && b.BankCode == "" && b.AccountNumber == "" && b.AccountType == ""
}

// ProviderBankAccount is the provider-side bank account resource. Immutable
// once created.
type ProviderBankAccount struct {
	ID          string    `json:"id"`
	Currency    string    `json:"currency"`
	CountryCode string    `json:"country_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// MandateParams controls mandate creation. All fields are optional: an
// explicit Scheme wins, else the scheme derives from CountryCode, else bacs.
type MandateParams struct {
	Scheme         Scheme
	CountryCode    string
	PayerIPAddress string
}

type customerPayload struct {
	Email        string            `json:"email"`
	GivenName    string            `json:"given_name"`
	FamilyName   string            `json:"family_name"`
	CompanyName  string            `json:"company_name,omitempty"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	AddressLine1 string            `json:"address_line1,omitempty"`
	AddressLine2 string            `json:"address_line2,omitempty"`
	City         string            `json:"city,omitempty"`
	Region       string            `json:"region,omitempty"`
	PostalCode   string            `json:"postal_code,omitempty"`
	CountryCode  string            `json:"country_code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CreateCustomer mirrors a customer profile to the provider. The call is
// tagged with a fresh idempotency key and metadata carrying the internal
// customer id and the source tag. Blank or whitespace-only phone numbers are
// omitted entirely, never sent as empty strings.
func (c *Client) CreateCustomer(ctx context.Context, profile CustomerProfile) (*ProviderCustomer, error) {
	const op = "provider customer creation"

	payload := customerPayload{
		Email:        profile.Email,
		GivenName:    profile.GivenName,
		FamilyName:   profile.FamilyName,
		CompanyName:  profile.CompanyName,
		AddressLine1: profile.AddressLine1,
		AddressLine2: profile.AddressLine2,
		City:         profile.City,
		Region:       profile.Region,
		PostalCode:   profile.PostalCode,
		CountryCode:  normalizeCountry(profile.CountryCode),
		Metadata:     c.metadata(profile.InternalID),
	}
	if phone := strings.TrimSpace(profile.Phone); phone != "" {
		payload.PhoneNumber = phone
	}

	var out ProviderCustomer
	if err := c.create(ctx, op, "/customers", "customers", payload, &out); err != nil {
		return nil, err
	}

	c.logger.Info("provider customer created",
		"provider_customer_id", out.ID,
		"customer_id", profile.InternalID,
	)
	return &out, nil
}

type bankAccountPayload struct {
	AccountHolderName string            `json:"account_holder_name"`
	AccountNumber     string            `json:"account_number"`
	BankCode          string            `json:"bank_code,omitempty"`
	BranchCode        string            `json:"branch_code,omitempty"`
	AccountType       string            `json:"account_type,omitempty"`
	Currency          string            `json:"currency"`
	CountryCode       string            `json:"country_code"`
	Links             map[string]string `json:"links"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// CreateBankAccount creates a provider bank account linked to an existing
// provider customer. The country on the bank details resolves the currency
// and decides which single identifier field (bank_code or branch_code)
// carries the formatted bank code; the unused field is never sent. The
// account type is sent for every country except GB, which the provider
// rejects it for.
func (c *Client) CreateBankAccount(ctx context.Context, providerCustomerID string, details BankDetails) (*ProviderBankAccount, error) {
	const op = "bank account creation"

	if providerCustomerID == "" {
		return nil, &ValidationError{Field: "provider_customer_id", Reason: "required"}
	}
	if details.AccountType == "" {
		return nil, &ValidationError{Field: "account_type", Reason: "required when bank details are supplied"}
	}
	if details.AccountType != "checking" && details.AccountType != "savings" {
		return nil, &ValidationError{Field: "account_type", Reason: "must be checking or savings"}
	}

	country := normalizeCountry(details.CountryCode)
	rule := ResolveRule(country)
	identifier := FormatBankIdentifier(details.BankCode, country)

	payload := bankAccountPayload{
		AccountHolderName: details.AccountHolderName,
		AccountNumber:     details.AccountNumber,
		Currency:          string(rule.Currency),
		CountryCode:       country,
		Links:             map[string]string{"customer": providerCustomerID},
	}
	switch rule.IdentifierField {
	case FieldBankCode:
		payload.BankCode = identifier
	default:
		payload.BranchCode = identifier
	}
	// GB accounts are the one case the provider rejects an account type for.
	if country != "GB" {
		payload.AccountType = details.AccountType
	}

	c.logger.Info("creating provider bank account",
		"provider_customer_id", providerCustomerID,
		"country", country,
		"scheme", rule.Scheme,
		"currency", rule.Currency,
		"identifier_field", rule.IdentifierField,
		"account_number", MaskAccountNumber(details.AccountNumber),
	)

	var out ProviderBankAccount
	if err := c.create(ctx, op, "/customer_bank_accounts", "customer_bank_accounts", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type mandatePayload struct {
	Scheme         string            `json:"scheme"`
	PayerIPAddress string            `json:"payer_ip_address,omitempty"`
	Links          map[string]string `json:"links"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateMandate creates a mandate against an existing bank account. For ACH
// mandates the provider requires a payer IP address: absent, loopback, or
// unparseable addresses are replaced with the configured public fallback so
// callers behind local network stacks still succeed.
func (c *Client) CreateMandate(ctx context.Context, bankAccountID string, params MandateParams) (*Mandate, error) {
	const op = "mandate creation"

	if bankAccountID == "" {
		return nil, &ValidationError{Field: "bank_account_id", Reason: "required"}
	}

	scheme := params.Scheme
	if scheme == "" {
		if params.CountryCode != "" {
			scheme = ResolveRule(params.CountryCode).Scheme
		} else {
			scheme = SchemeBACS
		}
	}

	payload := mandatePayload{
		Scheme: string(scheme),
		Links:  map[string]string{"customer_bank_account": bankAccountID},
	}
	if scheme == SchemeACH {
		payload.PayerIPAddress = c.resolvePayerIP(params.PayerIPAddress)
	}

	var out Mandate
	if err := c.create(ctx, op, "/mandates", "mandates", payload, &out); err != nil {
		return nil, err
	}
	if out.Status == "" {
		out.Status = MandatePendingSubmission
	}

	c.logger.Info("mandate created",
		"mandate_id", out.ID,
		"scheme", out.Scheme,
		"status", out.Status,
	)
	return &out, nil
}

// GetMandate fetches a mandate by provider id.
func (c *Client) GetMandate(ctx context.Context, mandateID string) (*Mandate, error) {
	var out Mandate
	if err := c.get(ctx, "mandate lookup", "/mandates/"+mandateID, "mandates", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// resolvePayerIP returns the supplied address if it is a usable public
// dotted-quad IPv4 literal, otherwise the configured fallback.
func (c *Client) resolvePayerIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == "localhost" {
		return c.config.FallbackPayerIP
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil || strings.Count(addr, ".") != 3 {
		return c.config.FallbackPayerIP
	}
	if ip.IsLoopback() {
		return c.config.FallbackPayerIP
	}
	return addr
}

func (c *Client) metadata(internalID string) map[string]string {
	md := map[string]string{"source": c.config.SourceTag}
	if internalID != "" {
		md["customer_id"] = internalID
	}
	return md
}

// providerErrorBody is the provider's error envelope.
type providerErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Errors  []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// create POSTs a resource wrapped under its envelope key with a fresh
// idempotency key, and decodes the response from the same key.
func (c *Client) create(ctx context.Context, op, path, envelope string, payload, out any) error {
	body, err := json.Marshal(map[string]any{envelope: payload})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.newKey())
	c.setCommonHeaders(req)

	return c.do(op, envelope, req, out)
}

func (c *Client) get(ctx context.Context, op, path, envelope string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	c.setCommonHeaders(req)

	return c.do(op, envelope, req, out)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("GoCardless-Version", c.config.APIVersion)
}

func (c *Client) do(op, envelope string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("provider status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		perr := &ProviderError{Op: op, StatusCode: resp.StatusCode}
		var eb providerErrorBody
		if json.Unmarshal(respBody, &eb) == nil {
			perr.Code = eb.Error.Type
			perr.Message = eb.Error.Message
			if len(eb.Error.Errors) > 0 {
				perr.Message = fmt.Sprintf("%s: %s %s", eb.Error.Message, eb.Error.Errors[0].Field, eb.Error.Errors[0].Message)
			}
		}
		c.logger.Warn("provider rejected request",
			"op", op,
			"status", resp.StatusCode,
			"message", perr.Message,
		)
		return perr
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &wrapper); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	raw, ok := wrapper[envelope]
	if !ok {
		return fmt.Errorf("%s: response missing %q", op, envelope)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: unmarshal %s: %w", op, envelope, err)
	}
	return nil
}
