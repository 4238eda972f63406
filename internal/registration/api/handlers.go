// Package api exposes the registration HTTP surface.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ddcollect/internal/common/api"
	"ddcollect/internal/common/database"
	"ddcollect/internal/common/money"
	"ddcollect/internal/directdebit"
	"ddcollect/internal/registration"
)

// Handler serves the registration endpoints.
type Handler struct {
	service *registration.Service
	logger  *slog.Logger
}

// NewHandler creates a registration handler.
func NewHandler(service *registration.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the registration router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.createRegistration)
	r.Get("/{registrationID}", h.getRegistration)
	r.Post("/{registrationID}/payments", h.collectPayment)
	return r
}

type bankDetailsRequest struct {
	AccountHolderName string `json:"account_holder_name" validate:"required,max=255"`
	BankCode          string `json:"bank_code" validate:"required"`
	AccountNumber     string `json:"account_number" validate:"required"`
	AccountType       string `json:"account_type" validate:"required,oneof=checking savings"`
	CountryCode       string `json:"country_code" validate:"omitempty,len=2"`
}

type createRegistrationRequest struct {
	Email          string              `json:"email" validate:"required,email"`
	GivenName      string              `json:"given_name" validate:"required,max=255"`
	FamilyName     string              `json:"family_name" validate:"required,max=255"`
	CompanyName    string              `json:"company_name" validate:"max=255"`
	Phone          string              `json:"phone" validate:"max=32"`
	AddressLine1   string              `json:"address_line1" validate:"max=255"`
	AddressLine2   string              `json:"address_line2" validate:"max=255"`
	City           string              `json:"city" validate:"max=255"`
	Region         string              `json:"region" validate:"max=255"`
	PostalCode     string              `json:"postal_code" validate:"max=16"`
	CountryCode    string              `json:"country_code" validate:"required,len=2"`
	PayerIPAddress string              `json:"payer_ip_address" validate:"max=45"`
	BankDetails    *bankDetailsRequest `json:"bank_details"`
}

func (h *Handler) createRegistration(w http.ResponseWriter, r *http.Request) {
	var req createRegistrationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	regReq := registration.RegisterRequest{
		Profile: directdebit.CustomerProfile{
			Email:        req.Email,
			GivenName:    req.GivenName,
			FamilyName:   req.FamilyName,
			CompanyName:  req.CompanyName,
			Phone:        req.Phone,
			AddressLine1: req.AddressLine1,
			AddressLine2: req.AddressLine2,
			City:         req.City,
			Region:       req.Region,
			PostalCode:   req.PostalCode,
			CountryCode:  req.CountryCode,
		},
		PayerIPAddress: req.PayerIPAddress,
	}
	if req.BankDetails != nil {
		regReq.BankDetails = &directdebit.BankDetails{
			AccountHolderName: req.BankDetails.AccountHolderName,
			BankCode:          req.BankDetails.BankCode,
			AccountNumber:     req.BankDetails.AccountNumber,
			AccountType:       req.BankDetails.AccountType,
			CountryCode:       req.BankDetails.CountryCode,
		}
	}

	reg, err := h.service.Register(r.Context(), regReq)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, reg)
}

func (h *Handler) getRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.service.GetRegistration(r.Context(), chi.URLParam(r, "registrationID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, reg)
}

type collectPaymentRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Description string `json:"description" validate:"max=255"`
	Reference   string `json:"reference" validate:"max=64"`
	ChargeDate  string `json:"charge_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) collectPayment(w http.ResponseWriter, r *http.Request) {
	var req collectPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	params := directdebit.PaymentParams{
		AmountMinor: req.AmountMinor,
		Currency:    money.Currency(req.Currency),
		Description: req.Description,
		Reference:   req.Reference,
	}
	if req.ChargeDate != "" {
		// Validated above, parse cannot fail.
		params.ChargeDate, _ = time.Parse("2006-01-02", req.ChargeDate)
	}

	record, err := h.service.CollectPayment(r.Context(), chi.URLParam(r, "registrationID"), params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, record)
}

// writeServiceError maps service errors onto the API error vocabulary.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *directdebit.ValidationError
	var perr *directdebit.ProviderError
	var terr *directdebit.TransportError

	switch {
	case errors.As(err, &verr):
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation,
			"Validation failed", map[string]string{verr.Field: verr.Reason})
	case errors.Is(err, registration.ErrNoMandate):
		api.Conflict(w, err.Error())
	case errors.As(err, &perr):
		api.ProviderRejected(w, perr.Message)
	case errors.As(err, &terr):
		api.WriteError(w, http.StatusGatewayTimeout, api.ErrCodeProviderTimeout, "Provider unreachable")
	case database.IsNotFound(err) || errors.Is(err, directdebit.ErrNotFound):
		api.NotFound(w, "Registration not found")
	case errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		api.InternalError(w, "Internal error")
	}
}
