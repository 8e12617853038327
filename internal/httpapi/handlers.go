package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/ingest"
	"github.com/leadforge/core/internal/queue"
	pkgerrors "github.com/leadforge/core/pkg/errors"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

const maxBodyBytes = 256 * 1024

// ReplayStore is the lead/attempt surface the replay endpoint needs;
// *store.Store satisfies it.
type ReplayStore interface {
	GetLead(ctx context.Context, id int64) (domain.Lead, error)
	HasSuccessfulAttempt(ctx context.Context, leadID int64) (bool, error)
}

// Server binds the HTTP surface to the pipeline and its collaborators.
type Server struct {
	Pipeline *ingest.Pipeline
	Replay   ReplayStore
	Producer pq.Producer
	Logger   *telemetry.Logger

	// RequestTimeout is the request-wide ingestion deadline.
	RequestTimeout time.Duration

	// Health probes, keyed by component name.
	Checks  []telemetry.Check
	Service string
	Env     string
}

// leadRequest is the POST /api/leads body.
type leadRequest struct {
	Source         string `json:"source"`
	SourceKey      string `json:"source_key"`
	IdempotencyKey string `json:"idempotency_key"`

	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
	City        string `json:"city"`
	RegionCode  string `json:"region_code"`
	Message     string `json:"message"`

	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	Consent     bool   `json:"consent"`
	GDPRConsent bool   `json:"gdpr_consent"`
}

// leadResponse is the 202 body.
type leadResponse struct {
	LeadID     int64    `json:"lead_id"`
	Status     string   `json:"status"`
	BuyerID    *int64   `json:"buyer_id,omitempty"`
	SourceID   int64    `json:"source_id"`
	OfferID    int64    `json:"offer_id"`
	MarketID   int64    `json:"market_id"`
	VerticalID int64    `json:"vertical_id"`
	Price      *float64 `json:"price,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}

	var body leadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, pkgerrors.InputInvalid, "malformed JSON body")
		return
	}

	sub := ingest.Submission{
		SourceKey:      firstNonEmpty(body.SourceKey, body.Source),
		Host:           r.Host,
		Path:           r.URL.Path,
		IdempotencyKey: body.IdempotencyKey,
		Name:           body.Name,
		Email:          body.Email,
		Phone:          body.Phone,
		PostalCode:     body.PostalCode,
		CountryCode:    body.CountryCode,
		City:           body.City,
		Region:         body.RegionCode,
		Message:        body.Message,
		UTMSource:      body.UTMSource,
		UTMMedium:      body.UTMMedium,
		UTMCampaign:    body.UTMCampaign,
		Consent:        body.Consent,
		GDPRConsent:    body.GDPRConsent,
	}

	// Numeric source_id header is the admin-trusted override.
	if raw := r.Header.Get("source_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, r, http.StatusBadRequest, pkgerrors.InputInvalid, "source_id header must be a positive integer")
			return
		}
		sub.SourceID = id
	}

	res, failure := s.Pipeline.Process(ctx, sub)
	if failure != nil {
		if ctx.Err() != nil {
			s.writeError(w, r, pkgerrors.HTTPStatusFor(pkgerrors.IngestRequestTimeout), pkgerrors.IngestRequestTimeout, "ingestion deadline exceeded")
			return
		}
		s.writeError(w, r, failure.Status, failure.Code, failure.Message)
		return
	}

	writeJSON(w, http.StatusAccepted, leadResponse{
		LeadID:     res.LeadID,
		Status:     string(res.Status),
		BuyerID:    res.BuyerID,
		SourceID:   res.SourceID,
		OfferID:    res.OfferID,
		MarketID:   res.MarketID,
		VerticalID: res.VerticalID,
		Price:      res.Price,
	})
}

// handleReplay re-enqueues delivery for a routed lead lacking a
// successful attempt.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, http.StatusBadRequest, pkgerrors.InputInvalid, "lead id must be a positive integer")
		return
	}

	lead, err := s.Replay.GetLead(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, pkgerrors.InputNotFound, "lead not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, pkgerrors.Internal, "lead lookup failed")
		return
	}
	if lead.Status != domain.LeadRouted {
		s.writeError(w, r, http.StatusConflict, pkgerrors.RoutingAlreadyRouted, "only routed leads can be replayed")
		return
	}
	delivered, err := s.Replay.HasSuccessfulAttempt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, pkgerrors.Internal, "attempt lookup failed")
		return
	}
	if delivered {
		s.writeError(w, r, http.StatusConflict, pkgerrors.DeliveryAlreadyDelivered, "lead already has a successful delivery attempt")
		return
	}

	env, err := queue.NewDeliveryEnvelope(queue.DeliveryJob{LeadID: id, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, pkgerrors.Internal, "replay enqueue failed")
		return
	}
	if err := s.Producer.Enqueue(r.Context(), queue.DeliveryQueue, env); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, pkgerrors.DependencyDown, "replay enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"lead_id":  id,
		"status":   string(lead.Status),
		"requeued": true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := telemetry.RunChecks(r.Context(), s.Service, s.Env, s.Checks, time.Time{})
	status := http.StatusOK
	if snap.Status != telemetry.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(snap.JSON())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code pkgerrors.Code, msg string) {
	env := pkgerrors.NewEnvelope(code, msg, requestID(r), "", nil)
	pkgerrors.WriteHTTP(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
