// Package route selects the single Buyer a validated, non-duplicate
// Lead is delivered to, guarding the validated -> routed transition.
// Eligibility, exclusivity, and strategy selection are pure
// functions over caller-supplied candidate data; all persistence (reading
// candidates, counting today's/this-hour's deliveries, writing the
// guarded UPDATE) lives in internal/store.
package route

import (
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/leadforge/core/internal/policy"
)

// Candidate is a buyer's enrollment in the lead's offer, pre-joined with
// the counters the eligibility predicate needs.
type Candidate struct {
	BuyerOfferID       int64
	BuyerID            int64
	Active             bool // buyer.active && buyer_offer.active
	RoutingPriority    int
	CapacityPerDay     *int
	CapacityPerHour    *int
	DeliveredToday     int
	DeliveredThisHour  int
	MinBalanceRequired *float64
	BuyerBalance       float64
	PauseUntil         *time.Time
	ServiceAreaMatch   bool
	// LastDeliveredAt is the most recent delivered-lead time for this
	// (buyer, offer), used by the rotation strategy. Nil means
	// this buyer has never been delivered a lead for the offer.
	LastDeliveredAt *time.Time
}

// Outcome mirrors the structured decision shape used elsewhere in the
// pipeline: a reason code plus the winning buyer when one exists.
type Outcome struct {
	Routed       bool
	BuyerOfferID int64
	BuyerID      int64
	Reason       string
}

var ErrNoCandidates = errors.New("route: no candidates supplied")

// Select applies eligibility, exclusivity, and the configured strategy to
// candidates and returns the winning buyer, or a no-route outcome.
//
// exclusiveBuyerID is the buyer holding an OfferExclusivity grant over the
// lead's scope, if any.
func Select(rp policy.RoutingPolicy, candidates []Candidate, exclusiveBuyerID *int64, now time.Time, leadID int64) Outcome {
	eligible := filterEligible(candidates, rp, now)

	if exclusiveBuyerID != nil {
		holder, holderEligible := findBuyer(eligible, *exclusiveBuyerID)
		if holderEligible {
			return Outcome{Routed: true, BuyerOfferID: holder.BuyerOfferID, BuyerID: holder.BuyerID, Reason: "exclusivity_holder"}
		}
		if rp.ExclusivityBehavior == policy.ExclusivityFailClosed {
			return Outcome{Reason: "no_route_exclusive_fail_closed"}
		}
		eligible = excludeBuyer(eligible, *exclusiveBuyerID)
	}

	if len(eligible) == 0 {
		return Outcome{Reason: "no_route"}
	}

	var winner Candidate
	switch rp.Strategy {
	case policy.StrategyRotation:
		winner = selectRotation(eligible, rp.TieBreakers)
	case policy.StrategyWeighted:
		winner = selectWeighted(eligible, leadID)
	default: // priority, and the fallback for any unrecognized value
		winner = selectPriority(eligible, rp.TieBreakers)
	}

	return Outcome{Routed: true, BuyerOfferID: winner.BuyerOfferID, BuyerID: winner.BuyerID, Reason: string(rp.Strategy)}
}

func filterEligible(candidates []Candidate, rp policy.RoutingPolicy, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Active || !c.ServiceAreaMatch {
			continue
		}
		if rp.RespectCapacity {
			if c.CapacityPerDay != nil && c.DeliveredToday >= *c.CapacityPerDay {
				continue
			}
			if c.CapacityPerHour != nil && c.DeliveredThisHour >= *c.CapacityPerHour {
				continue
			}
		}
		if rp.RespectPause && c.PauseUntil != nil && now.Before(*c.PauseUntil) {
			continue
		}
		if c.MinBalanceRequired != nil && c.BuyerBalance < *c.MinBalanceRequired {
			continue
		}
		out = append(out, c)
	}
	return out
}

func findBuyer(candidates []Candidate, buyerID int64) (Candidate, bool) {
	for _, c := range candidates {
		if c.BuyerID == buyerID {
			return c, true
		}
	}
	return Candidate{}, false
}

func excludeBuyer(candidates []Candidate, buyerID int64) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.BuyerID != buyerID {
			out = append(out, c)
		}
	}
	return out
}

// Recognized tie-breaker names; ParseRoutingPolicy rejects anything else.
const (
	TieRoutingPriorityDesc = "routing_priority_desc"
	TieRoutingPriorityAsc  = "routing_priority_asc"
	TieBuyerIDAsc          = "buyer_id_asc"
	TieBuyerIDDesc         = "buyer_id_desc"
)

var defaultTieBreakers = []string{TieRoutingPriorityDesc, TieBuyerIDAsc}

// compareTieBreakers walks the declared tie-breaker chain and reports
// a<b under it. The list defaults to routing_priority_desc, buyer_id_asc;
// buyer_id ascending is always appended as the final key so selection
// stays deterministic even under a chain that leaves two buyers equal.
func compareTieBreakers(a, b Candidate, tieBreakers []string) bool {
	if len(tieBreakers) == 0 {
		tieBreakers = defaultTieBreakers
	}
	for _, tb := range tieBreakers {
		switch tb {
		case TieRoutingPriorityDesc:
			if a.RoutingPriority != b.RoutingPriority {
				return a.RoutingPriority > b.RoutingPriority
			}
		case TieRoutingPriorityAsc:
			if a.RoutingPriority != b.RoutingPriority {
				return a.RoutingPriority < b.RoutingPriority
			}
		case TieBuyerIDAsc:
			if a.BuyerID != b.BuyerID {
				return a.BuyerID < b.BuyerID
			}
		case TieBuyerIDDesc:
			if a.BuyerID != b.BuyerID {
				return a.BuyerID > b.BuyerID
			}
		}
	}
	return a.BuyerID < b.BuyerID
}

// selectPriority orders the eligible set by the tie-breaker chain, whose
// default leads with routing_priority descending.
func selectPriority(candidates []Candidate, tieBreakers []string) Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareTieBreakers(sorted[i], sorted[j], tieBreakers)
	})
	return sorted[0]
}

// selectRotation restricts to the highest-priority tier, then picks the
// least-recently-delivered buyer for this offer, then applies the
// tie-breaker chain. A nil LastDeliveredAt (never delivered for this
// offer) sorts before any timestamp.
func selectRotation(candidates []Candidate, tieBreakers []string) Candidate {
	top := topPriorityTier(candidates)
	sort.SliceStable(top, func(i, j int) bool {
		a, b := top[i].LastDeliveredAt, top[j].LastDeliveredAt
		switch {
		case a == nil && b == nil:
			return compareTieBreakers(top[i], top[j], tieBreakers)
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return compareTieBreakers(top[i], top[j], tieBreakers)
		}
	})
	return top[0]
}

// topPriorityTier returns the subset of candidates sharing the highest
// RoutingPriority value.
func topPriorityTier(candidates []Candidate) []Candidate {
	best := candidates[0].RoutingPriority
	for _, c := range candidates[1:] {
		if c.RoutingPriority > best {
			best = c.RoutingPriority
		}
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RoutingPriority == best {
			out = append(out, c)
		}
	}
	return out
}

// selectWeighted picks deterministically by RoutingPriority-weighted hash
// of the lead id, so repeated routing attempts for the same lead (e.g. a
// crashed worker retrying the validated->routed transition) land on the
// same buyer without any stored state.
func selectWeighted(candidates []Candidate, leadID int64) Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BuyerOfferID < sorted[j].BuyerOfferID })

	total := 0
	weights := make([]int, len(sorted))
	for i, c := range sorted {
		w := c.RoutingPriority
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte("route:"))
	_, _ = h.Write([]byte(strconv.FormatInt(leadID, 10)))
	sum := h.Sum64()
	target := int(sum % uint64(total))

	cursor := 0
	for i, w := range weights {
		cursor += w
		if target < cursor {
			return sorted[i]
		}
	}
	return sorted[len(sorted)-1]
}
