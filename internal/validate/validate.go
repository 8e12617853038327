// Package validate applies a compiled Validation Policy to a received
// Lead, guarding the received -> validated transition. It never
// touches storage: callers supply whatever lookups a rule needs and persist
// the outcome themselves (internal/store).
package validate

import (
	"strings"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/normalize"
	"github.com/leadforge/core/internal/policy"
)

// Code is a validation rejection reason.
type Code string

const (
	CodeMissingRequiredField Code = "missing_required_field"
	CodePostalNotAllowed     Code = "postal_not_allowed"
	CodeCityNotAllowed       Code = "city_not_allowed"
	CodeCountryNotAllowed    Code = "country_not_allowed"
	CodeDisposableEmail      Code = "disposable_email"
)

// Result is the outcome of running a Lead through a Validation Policy.
// Reason is the wire-stable validation_reason string; for missing fields
// it carries the field name ("missing_required_field:email").
type Result struct {
	Accepted        bool
	Code            Code
	Reason          string
	Message         string
	NormalizedEmail *string
	NormalizedPhone *string
}

// DisposableEmailChecker reports whether an email's domain is a known
// disposable-email provider. Implementations may be backed by a static
// list or a periodically refreshed blocklist; validate only consults it
// when the policy turns the check on.
type DisposableEmailChecker interface {
	IsDisposable(domain string) bool
}

var requiredFieldGetters = map[string]func(domain.Lead) string{
	"name":         func(l domain.Lead) string { return l.Name },
	"email":        func(l domain.Lead) string { return l.Email },
	"phone":        func(l domain.Lead) string { return l.Phone },
	"postal_code":  func(l domain.Lead) string { return l.PostalCode },
	"country_code": func(l domain.Lead) string { return l.CountryCode },
	"city":         func(l domain.Lead) string { return l.City },
	"message":      func(l domain.Lead) string { return l.Message },
}

// Validate runs lead against vp, returning the first failing rule in the
// fixed evaluation order the contract defines: required fields, then
// allow-lists, then phone region, then the disposable-email blocklist.
func Validate(vp policy.ValidationPolicy, lead domain.Lead, disposable DisposableEmailChecker) Result {
	for _, field := range vp.RequiredFields {
		get, known := requiredFieldGetters[field]
		if !known {
			continue
		}
		if strings.TrimSpace(get(lead)) == "" {
			return rejected(CodeMissingRequiredField, string(CodeMissingRequiredField)+":"+field, "missing required field: "+field)
		}
	}

	if len(vp.AllowedPostalCodes) > 0 && !containsFold(vp.AllowedPostalCodes, lead.PostalCode) {
		return rejected(CodePostalNotAllowed, string(CodePostalNotAllowed), "postal_code not in allowed list")
	}

	if len(vp.AllowedCities) > 0 && !containsFold(vp.AllowedCities, lead.City) {
		return rejected(CodeCityNotAllowed, string(CodeCityNotAllowed), "city not in allowed list")
	}

	if len(vp.AllowedCountryCodes) > 0 && !containsFold(vp.AllowedCountryCodes, lead.CountryCode) {
		return rejected(CodeCountryNotAllowed, string(CodeCountryNotAllowed), "country_code not in allowed list")
	}

	normPhone := normalize.Phone(lead.Phone)
	if vp.PhoneRegion != "" && normPhone != "" && !phoneMatchesRegion(normPhone, vp.PhoneRegion) {
		return rejected(CodeCountryNotAllowed, string(CodeCountryNotAllowed), "phone is not valid for phone_region "+vp.PhoneRegion)
	}

	normEmail := normalize.Email(lead.Email)
	if vp.DisposableEmailBlocklistEnabled && normEmail != "" && disposable != nil {
		if at := strings.LastIndex(normEmail, "@"); at != -1 {
			if disposable.IsDisposable(normEmail[at+1:]) {
				return rejected(CodeDisposableEmail, string(CodeDisposableEmail), "disposable email domains are not accepted")
			}
		}
	}

	return Result{
		Accepted:        true,
		NormalizedEmail: normalize.EmailPtr(lead.Email),
		NormalizedPhone: normalize.PhonePtr(lead.Phone),
	}
}

func rejected(code Code, reason, msg string) Result {
	return Result{Accepted: false, Code: code, Reason: reason, Message: msg}
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// phoneMatchesRegion is a lightweight E.164 country-code check: region is a
// calling-code prefix (e.g. "1" for US/CA, "44" for UK). Full number-plan
// validation is out of scope.
func phoneMatchesRegion(e164 string, region string) bool {
	region = strings.TrimPrefix(strings.TrimSpace(region), "+")
	if region == "" {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(e164, "+"), region)
}
