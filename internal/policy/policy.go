// Package policy parses the Validation Policy and Routing Policy documents
// that are stored as versioned JSON blobs on Offers.
// Policies are data, not code: unknown top-level keys are rejected loudly
// rather than silently ignored, and any malformed document fails closed
// with policy.misconfigured instead of falling back to a
// permissive default.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MatchMode controls how many of a lead's match keys must hit within the
// duplicate-detection window.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// DuplicateDetection is the nested duplicate-detection block of a
// Validation Policy document. Matching is always scoped to the lead's
// Offer; IncludeSources only controls whether that offer-scoped window
// is further narrowed to the submitting Source.
type DuplicateDetection struct {
	Enabled         bool      `json:"enabled"`
	WindowHours     int       `json:"window_hours"`
	MatchKeys       []string  `json:"keys"`
	MatchMode       MatchMode `json:"match_mode"`
	ExcludeStatuses []string  `json:"exclude_statuses"`
	IncludeSources  string    `json:"include_sources"` // "any" | "same_source_only"
	Action          string    `json:"action"`          // reject | flag | accept
	ReasonCode      string    `json:"reason_code"`
	MinFields       []string  `json:"min_fields,omitempty"` // subset of {phone, email}
}

// ValidationPolicy is the decoded form of an Offer's validation_policy
// document.
type ValidationPolicy struct {
	RequiredFields                  []string            `json:"required_fields"`
	AllowedPostalCodes               []string            `json:"allowed_postal_codes,omitempty"`
	AllowedCities                    []string            `json:"allowed_cities,omitempty"`
	PhoneRegion                      string              `json:"phone_region,omitempty"`
	AllowedCountryCodes              []string            `json:"allowed_country_codes,omitempty"`
	DisposableEmailBlocklistEnabled bool                `json:"disposable_email_blocklist_enabled"`
	DuplicateDetection               *DuplicateDetection `json:"duplicate_detection,omitempty"`
}

// RoutingStrategy is the Router's buyer-selection algorithm.
type RoutingStrategy string

const (
	StrategyPriority RoutingStrategy = "priority"
	StrategyRotation RoutingStrategy = "rotation"
	StrategyWeighted RoutingStrategy = "weighted"
)

// ExclusivityBehavior governs what happens when the exclusivity holder for
// a lead's scope is ineligible.
type ExclusivityBehavior string

const (
	ExclusivityFailClosed     ExclusivityBehavior = "fail_closed"
	ExclusivityFallbackAllowed ExclusivityBehavior = "fallback_allowed"
)

// RoutingPolicy is the decoded form of an Offer's routing_policy document.
type RoutingPolicy struct {
	Strategy            RoutingStrategy     `json:"strategy"`
	ExclusivityBehavior ExclusivityBehavior `json:"exclusivity_behavior"`
	TieBreakers         []string            `json:"tie_breakers,omitempty"`
	RespectCapacity     bool                `json:"respect_capacity"`
	RespectPause        bool                `json:"respect_pause"`
}

// Error wraps a malformed policy document. Callers surface it as
// errors.PolicyMisconfigured: a bad policy is an operator bug,
// never grounds for silently admitting or misrouting a lead.
type Error struct {
	Kind string // "validation_policy" | "routing_policy"
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("policy: invalid %s: %s", e.Kind, e.Msg) }

var validDuplicateActions = map[string]bool{"reject": true, "flag": true, "accept": true}
var validIncludeSources = map[string]bool{"any": true, "same_source_only": true}

// validMatchFields bounds both keys and min_fields: phone and email are
// the only normalized columns duplicate detection can match on.
var validMatchFields = map[string]bool{"phone": true, "email": true}

// ParseValidationPolicy strictly decodes raw into a ValidationPolicy,
// rejecting unknown fields and cross-checking the nested enums.
func ParseValidationPolicy(raw []byte) (ValidationPolicy, error) {
	var vp ValidationPolicy
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&vp); err != nil {
		return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: err.Error()}
	}
	if len(vp.RequiredFields) == 0 {
		return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "required_fields must be non-empty"}
	}
	if dd := vp.DuplicateDetection; dd != nil && dd.Enabled {
		if dd.WindowHours <= 0 {
			return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.window_hours must be positive"}
		}
		if len(dd.MatchKeys) == 0 {
			return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.keys must be non-empty"}
		}
		for _, k := range dd.MatchKeys {
			if !validMatchFields[k] {
				return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.keys entries must be phone|email"}
			}
		}
		if dd.MatchMode != MatchAny && dd.MatchMode != MatchAll {
			return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.match_mode must be any|all"}
		}
		if dd.IncludeSources == "" {
			dd.IncludeSources = "any"
		} else if !validIncludeSources[dd.IncludeSources] {
			return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.include_sources must be any|same_source_only"}
		}
		if !validDuplicateActions[dd.Action] {
			return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.action must be reject|flag|accept"}
		}
		for _, f := range dd.MinFields {
			if !validMatchFields[f] {
				return ValidationPolicy{}, &Error{Kind: "validation_policy", Msg: "duplicate_detection.min_fields entries must be phone|email"}
			}
		}
		vp.DuplicateDetection = dd
	}
	return vp, nil
}

// ParseRoutingPolicy strictly decodes raw into a RoutingPolicy.
func ParseRoutingPolicy(raw []byte) (RoutingPolicy, error) {
	var rp RoutingPolicy
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rp); err != nil {
		return RoutingPolicy{}, &Error{Kind: "routing_policy", Msg: err.Error()}
	}
	switch rp.Strategy {
	case StrategyPriority, StrategyRotation, StrategyWeighted:
	default:
		return RoutingPolicy{}, &Error{Kind: "routing_policy", Msg: "strategy must be priority|rotation|weighted"}
	}
	switch rp.ExclusivityBehavior {
	case ExclusivityFailClosed, ExclusivityFallbackAllowed:
	default:
		return RoutingPolicy{}, &Error{Kind: "routing_policy", Msg: "exclusivity_behavior must be fail_closed|fallback_allowed"}
	}
	for _, tb := range rp.TieBreakers {
		if !validTieBreakers[tb] {
			return RoutingPolicy{}, &Error{Kind: "routing_policy", Msg: "tie_breakers entries must be routing_priority_desc|routing_priority_asc|buyer_id_asc|buyer_id_desc"}
		}
	}
	return rp, nil
}

var validTieBreakers = map[string]bool{
	"routing_priority_desc": true,
	"routing_priority_asc":  true,
	"buyer_id_asc":          true,
	"buyer_id_desc":         true,
}

// Clock is the injection point for time.Now, overridden in tests.
type Clock func() time.Time
