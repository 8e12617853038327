// Package duplicate implements the window-bounded duplicate check that
// runs between ingest and validation, deciding whether a Lead proceeds
// to routing, is flagged, or is rejected outright.
package duplicate

import (
	"context"
	"sort"
	"time"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/policy"
)

// Candidate is a prior Lead within the lookup window that shares the
// current offer/market scope implied by include_sources; Lookup is
// responsible for that scoping and for excluding statuses in
// exclude_statuses, since both can be pushed into the SQL query.
type Candidate struct {
	LeadID          int64
	CreatedAt       time.Time
	NormalizedEmail string
	NormalizedPhone string
}

// Lookup fetches candidate leads created within the window preceding now,
// already scoped to lead.SourceID/OfferID/MarketID per dd.IncludeSources
// and with dd.ExcludeStatuses filtered out.
type Lookup interface {
	FindCandidates(ctx context.Context, lead domain.Lead, dd policy.DuplicateDetection, now time.Time) ([]Candidate, error)
}

// Outcome is the result of running duplicate detection on a Lead.
type Outcome struct {
	IsDuplicate   bool
	MatchedLeadID int64
	Action        domain.DuplicateAction
	ReasonCode    string
}

// Check runs the configured duplicate-detection rule against lead. When
// dd is nil or disabled, it returns a no-op outcome (not a duplicate).
func Check(ctx context.Context, lookup Lookup, lead domain.Lead, dd *policy.DuplicateDetection, now time.Time) (Outcome, error) {
	if dd == nil || !dd.Enabled {
		return Outcome{}, nil
	}
	if skipMinFields(lead, dd.MinFields) {
		return Outcome{}, nil
	}

	candidates, err := lookup.FindCandidates(ctx, lead, *dd, now)
	if err != nil {
		return Outcome{}, err
	}
	if len(candidates) == 0 {
		return Outcome{}, nil
	}

	// Keep only candidates that satisfy the match-key rule, then apply the
	// tie-break (created_at DESC, id DESC) across the survivors.
	var matched []Candidate
	for _, c := range candidates {
		if matches(lead, c, dd.MatchKeys, dd.MatchMode) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return Outcome{}, nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].LeadID > matched[j].LeadID
	})
	winner := matched[0]

	reason := dd.ReasonCode
	if reason == "" {
		reason = "duplicate_match"
	}
	return Outcome{
		IsDuplicate:   true,
		MatchedLeadID: winner.LeadID,
		Action:        domain.DuplicateAction(dd.Action),
		ReasonCode:    reason,
	}, nil
}

// skipMinFields reports whether the lead lacks a normalized value for any
// field named in minFields, in which case detection is skipped entirely
// for this lead.
func skipMinFields(lead domain.Lead, minFields []string) bool {
	for _, f := range minFields {
		switch f {
		case "email":
			if lead.NormalizedEmail == nil || *lead.NormalizedEmail == "" {
				return true
			}
		case "phone":
			if lead.NormalizedPhone == nil || *lead.NormalizedPhone == "" {
				return true
			}
		}
	}
	return false
}

func matches(lead domain.Lead, c Candidate, keys []string, mode policy.MatchMode) bool {
	if len(keys) == 0 {
		return false
	}
	hits := 0
	for _, k := range keys {
		if fieldMatches(lead, c, k) {
			hits++
		}
	}
	if mode == policy.MatchAll {
		return hits == len(keys)
	}
	return hits > 0
}

// fieldMatches compares one normalized key; the policy parser guarantees
// key is phone or email, so anything else is a hard miss.
func fieldMatches(lead domain.Lead, c Candidate, key string) bool {
	switch key {
	case "email":
		return lead.NormalizedEmail != nil && c.NormalizedEmail != "" && *lead.NormalizedEmail == c.NormalizedEmail
	case "phone":
		return lead.NormalizedPhone != nil && c.NormalizedPhone != "" && *lead.NormalizedPhone == c.NormalizedPhone
	default:
		return false
	}
}
