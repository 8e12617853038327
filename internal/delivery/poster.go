// Package delivery posts a routed Lead to its Buyer's webhook and
// classifies the outcome, guarding the routed -> delivered transition.
// The poster keeps an SSRF guard even though webhook URLs are
// operator-configured: a Buyer's URL and secret are fixed per
// enrollment, not supplied per call, but hostnames can still be
// repointed.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadforge/core/internal/domain"
)

// Payload is the wire format posted to a Buyer's webhook: the
// outer envelope is fixed ("event"/"data"); "data.idempotency" is the
// Lead's ingestion idempotency key, never the per-attempt delivery id.
type Payload struct {
	Event string       `json:"event"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	LeadID      int64           `json:"lead_id"`
	ReceivedAt  time.Time       `json:"received_at"`
	DeliveredAt time.Time       `json:"delivered_at"`
	Idempotency string          `json:"idempotency"`
	Contact     PayloadContact  `json:"contact"`
	Details     PayloadDetails  `json:"details"`
	Metadata    PayloadMetadata `json:"metadata"`
}

type PayloadContact struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	PostalCode string `json:"postal_code"`
}

type PayloadDetails struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}

type PayloadMetadata struct {
	Price   *float64 `json:"price,omitempty"`
	BuyerID int64    `json:"buyer_id"`
}

// NewPayload assembles the wire payload for a routed-and-delivering lead.
func NewPayload(lead domain.Lead, sourceName string, buyerID int64, price *float64, deliveredAt time.Time) Payload {
	return Payload{
		Event: "lead.delivered",
		Data: PayloadData{
			LeadID:      lead.ID,
			ReceivedAt:  lead.CreatedAt,
			DeliveredAt: deliveredAt,
			Idempotency: lead.IdempotencyKey,
			Contact: PayloadContact{
				Name:       lead.Name,
				Phone:      lead.Phone,
				Email:      lead.Email,
				PostalCode: lead.PostalCode,
			},
			Details: PayloadDetails{
				Message: lead.Message,
				Source:  sourceName,
			},
			Metadata: PayloadMetadata{
				Price:   price,
				BuyerID: buyerID,
			},
		},
	}
}

// EndpointConfig is the effective (already-resolved) webhook destination
// for a routed lead: BuyerOffer overrides win over Buyer defaults.
type EndpointConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

var (
	ErrInvalidURL     = errors.New("delivery: webhook url is invalid")
	ErrPrivateNetwork = errors.New("delivery: webhook host resolves to a private network")
)

// Poster posts signed delivery payloads and classifies the HTTP outcome.
type Poster struct {
	client *http.Client

	// allowPrivate disables the private-network guard; only local test
	// harnesses and dev loops set it.
	allowPrivate bool
}

func NewPoster() *Poster {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Poster{client: &http.Client{Transport: transport}}
}

// NewPosterAllowingPrivate returns a Poster that will deliver to loopback
// and RFC1918 hosts.
func NewPosterAllowingPrivate() *Poster {
	p := NewPoster()
	p.allowPrivate = true
	return p
}

// Post signs and sends payload to cfg.URL, returning the classified
// outcome and the raw HTTP status (if one was received).
func (p *Poster) Post(ctx context.Context, cfg EndpointConfig, payload Payload, attemptNumber int) (domain.DeliveryOutcome, *int, string) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.OutcomePermanentFailure, nil, ErrInvalidURL.Error()
	}
	if !p.allowPrivate && isPrivateHost(u.Hostname()) {
		return domain.OutcomePermanentFailure, nil, ErrPrivateNetwork.Error()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutcomePermanentFailure, nil, "marshal failed: " + err.Error()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return domain.OutcomePermanentFailure, nil, "request build failed: " + err.Error()
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "LeadGen/1.0")
	httpReq.Header.Set("X-LeadGen-Event", "lead.delivered")
	httpReq.Header.Set("X-LeadGen-Delivery-Id", uuid.NewString())
	if cfg.Secret != "" {
		httpReq.Header.Set("X-Webhook-Signature", sign(cfg.Secret, body))
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return domain.OutcomeTimeout, nil, err.Error()
		}
		return domain.OutcomeTransientFailure, nil, err.Error()
	}
	defer res.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	status := res.StatusCode
	return classifyStatus(status), &status, ""
}

// classifyStatus maps an HTTP status to a delivery outcome: 2xx is
// success; 408/429/5xx are transient (worth retrying); every other 4xx is
// permanent (the buyer rejected the shape of the request, retrying won't
// help).
func classifyStatus(status int) domain.DeliveryOutcome {
	switch {
	case status >= 200 && status < 300:
		return domain.OutcomeSuccess
	case status == 408 || status == 429 || status >= 500:
		return domain.OutcomeTransientFailure
	default:
		return domain.OutcomePermanentFailure
	}
}

// sign returns the hex-encoded HMAC-SHA256 of body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func isPrivateHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || h == "localhost.localdomain" {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return isPrivateIP(ip)
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 127:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		default:
			return false
		}
	}
	if len(ip) == net.IPv6len {
		if ip[0]&0xfe == 0xfc {
			return true
		}
		if ip.IsLoopback() {
			return true
		}
	}
	return false
}
