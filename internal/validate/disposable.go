package validate

import "strings"

// builtinDisposableDomains is the blocklist behind the
// disposable_email_blocklist_enabled policy flag. Intentionally small and
// static: the long tail changes weekly and chasing it belongs in an
// external feed, not in code.
var builtinDisposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"guerrillamail.net": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"temp-mail.org":     true,
	"throwawaymail.com": true,
	"yopmail.com":       true,
	"getnada.com":       true,
	"trashmail.com":     true,
	"sharklasers.com":   true,
	"dispostable.com":   true,
	"maildrop.cc":       true,
	"fakeinbox.com":     true,
	"mintemail.com":     true,
	"spamgourmet.com":   true,
	"mytemp.email":      true,
	"mohmal.com":        true,
}

// BuiltinBlocklist is the default DisposableEmailChecker.
type BuiltinBlocklist struct{}

func (BuiltinBlocklist) IsDisposable(domain string) bool {
	return builtinDisposableDomains[strings.ToLower(strings.TrimSpace(domain))]
}
