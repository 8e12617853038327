package validate

import (
	"testing"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/policy"
)

type fakeDisposable struct{ blocked map[string]bool }

func (f fakeDisposable) IsDisposable(d string) bool { return f.blocked[d] }

func baseLead() domain.Lead {
	return domain.Lead{
		Name:        "Jane Doe",
		Email:       "jane@example.com",
		Phone:       "+15555550123",
		PostalCode:  "94107",
		CountryCode: "US",
		City:        "San Francisco",
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	vp := policy.ValidationPolicy{RequiredFields: []string{"email", "phone"}}
	lead := baseLead()
	lead.Phone = ""
	res := Validate(vp, lead, nil)
	if res.Accepted || res.Code != CodeMissingRequiredField {
		t.Fatalf("expected missing_required_field, got %+v", res)
	}
}

func TestValidate_PostalCodeAllowList(t *testing.T) {
	vp := policy.ValidationPolicy{RequiredFields: []string{"email"}, AllowedPostalCodes: []string{"10001", "10002"}}
	lead := baseLead()
	res := Validate(vp, lead, nil)
	if res.Accepted || res.Code != CodePostalNotAllowed {
		t.Fatalf("expected postal_not_allowed, got %+v", res)
	}
}

func TestValidate_DisposableEmailBlocked(t *testing.T) {
	vp := policy.ValidationPolicy{RequiredFields: []string{"email"}, DisposableEmailBlocklistEnabled: true}
	lead := baseLead()
	lead.Email = "throwaway@mailinator.com"
	res := Validate(vp, lead, fakeDisposable{blocked: map[string]bool{"mailinator.com": true}})
	if res.Accepted || res.Code != CodeDisposableEmail {
		t.Fatalf("expected disposable_email, got %+v", res)
	}
}

func TestValidate_AcceptedNormalizesFields(t *testing.T) {
	vp := policy.ValidationPolicy{RequiredFields: []string{"email"}}
	lead := baseLead()
	lead.Email = "  Jane@Example.COM  "
	res := Validate(vp, lead, nil)
	if !res.Accepted {
		t.Fatalf("expected accepted, got %+v", res)
	}
	if res.NormalizedEmail == nil || *res.NormalizedEmail != "jane@example.com" {
		t.Fatalf("expected normalized email, got %+v", res.NormalizedEmail)
	}
}

func TestValidate_PhoneRegionMismatch(t *testing.T) {
	vp := policy.ValidationPolicy{RequiredFields: []string{"email"}, PhoneRegion: "44"}
	lead := baseLead()
	res := Validate(vp, lead, nil)
	if res.Accepted || res.Code != CodeCountryNotAllowed {
		t.Fatalf("expected country_not_allowed for phone region mismatch, got %+v", res)
	}
}
