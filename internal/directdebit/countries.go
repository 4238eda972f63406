// Package directdebit provides the direct-debit provider client: country
// scheme resolution, customer/bank-account/mandate provisioning, payment
// collection, and webhook event normalization.
package directdebit

import (
	"strings"

	"ddcollect/internal/common/money"
)

// Scheme is a regional direct-debit payment rail.
type Scheme string

const (
	SchemeBACS     Scheme = "bacs"
	SchemeACH      Scheme = "ach"
	SchemeSEPACore Scheme = "sepa_core"
)

// IdentifierField names the provider field that carries the caller-supplied
// bank/sort/routing code for a given country.
type IdentifierField string

const (
	FieldBankCode   IdentifierField = "bank_code"
	FieldBranchCode IdentifierField = "branch_code"
)

// CountryRule maps a country to its scheme, settlement currency, and bank
// identifier field.
type CountryRule struct {
	Currency        money.Currency
	Scheme          Scheme
	IdentifierField IdentifierField
}

// DefaultRule applies to any country code not in the table.
var DefaultRule = CountryRule{Currency: money.GBP, Scheme: SchemeBACS, IdentifierField: FieldBranchCode}

var countryRules = map[string]CountryRule{
	"US": {Currency: money.USD, Scheme: SchemeACH, IdentifierField: FieldBankCode},
	"CA": {Currency: money.CAD, Scheme: SchemeACH, IdentifierField: FieldBankCode},
	"AU": {Currency: money.AUD, Scheme: SchemeACH, IdentifierField: FieldBankCode},
	"NZ": {Currency: money.NZD, Scheme: SchemeACH, IdentifierField: FieldBankCode},

	"GB": {Currency: money.GBP, Scheme: SchemeBACS, IdentifierField: FieldBranchCode},

	"DE": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"FR": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"IT": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"ES": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"NL": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"BE": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"AT": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"IE": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"PT": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"FI": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"LU": {Currency: money.EUR, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},

	"SE": {Currency: money.SEK, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"DK": {Currency: money.DKK, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
	"NO": {Currency: money.NOK, Scheme: SchemeSEPACore, IdentifierField: FieldBranchCode},
}

// ResolveRule returns the rule for an ISO-3166 alpha-2 country code. It never
// fails: unknown codes resolve to DefaultRule.
func ResolveRule(countryCode string) CountryRule {
	if rule, ok := countryRules[normalizeCountry(countryCode)]; ok {
		return rule
	}
	return DefaultRule
}

// SupportedCountry reports whether the country has an explicit rule.
func SupportedCountry(countryCode string) bool {
	_, ok := countryRules[normalizeCountry(countryCode)]
	return ok
}

// SchemeCurrency returns the settlement currency a scheme collects in.
func SchemeCurrency(s Scheme) money.Currency {
	switch s {
	case SchemeACH:
		return money.USD
	case SchemeSEPACore:
		return money.EUR
	default:
		return money.GBP
	}
}

// branchSlotWidth is the width of the provider's branch-code slot that long
// national routing numbers are truncated into.
const branchSlotWidth = 4

// FormatBankIdentifier normalizes a raw bank/sort/routing code into the form
// the provider expects for the given country. CA and AU routing numbers are
// longer than the provider slot and are truncated to their first 4
// characters; compact national codes (US 9-digit routing, GB/EU sort and
// bank codes) pass through unchanged. Codes for unrecognized countries are
// truncated only when they exceed the slot width. Total: returns a string
// for any input.
func FormatBankIdentifier(raw, countryCode string) string {
	code := strings.TrimSpace(raw)
	switch normalizeCountry(countryCode) {
	case "CA", "AU":
		return truncate(code, branchSlotWidth)
	}
	if SupportedCountry(countryCode) {
		return code
	}
	if len(code) > branchSlotWidth {
		return code[:branchSlotWidth]
	}
	return code
}

// MaskAccountNumber redacts an account number for logging, keeping only the
// last 4 digits. Applied before any observability sink sees the value.
func MaskAccountNumber(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return "****"
	}
	return "****" + accountNumber[len(accountNumber)-4:]
}

func normalizeCountry(countryCode string) string {
	return strings.ToUpper(strings.TrimSpace(countryCode))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
