// Package leadforge is a thin Go SDK for the lead distribution API.
//
// Design goals:
//   - stdlib-only HTTP
//   - consistent headers (request id, source override)
//   - bounded IO for safety
//   - consistent error envelope decoding (pkg/errors wire shape)
package leadforge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRequestHeader = "X-Request-Id"

	DefaultMaxResponseBytes = int64(1 * 1024 * 1024) // 1 MiB
	DefaultTimeout          = 15 * time.Second
)

// Client is a thin HTTP client wrapper with safe defaults.
type Client struct {
	BaseURL string

	RequestHeader string

	// Optional static headers applied to every request.
	StaticHeaders map[string]string

	// HTTP client; if nil, a safe default client is used.
	HTTP *http.Client

	MaxResponseBytes int64
}

// NewClient constructs a client with safe defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:          strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		RequestHeader:    DefaultRequestHeader,
		HTTP:             &http.Client{Timeout: DefaultTimeout},
		MaxResponseBytes: DefaultMaxResponseBytes,
		StaticHeaders:    map[string]string{},
	}
}

// Lead is the POST /api/leads submission body.
type Lead struct {
	SourceKey      string `json:"source_key,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	RegionCode  string `json:"region_code,omitempty"`
	Message     string `json:"message,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	Consent     bool   `json:"consent,omitempty"`
	GDPRConsent bool   `json:"gdpr_consent,omitempty"`
}

// LeadAccepted is the 202 response body.
type LeadAccepted struct {
	LeadID     int64    `json:"lead_id"`
	Status     string   `json:"status"`
	BuyerID    *int64   `json:"buyer_id,omitempty"`
	SourceID   int64    `json:"source_id"`
	OfferID    int64    `json:"offer_id"`
	MarketID   int64    `json:"market_id"`
	VerticalID int64    `json:"vertical_id"`
	Price      *float64 `json:"price,omitempty"`
}

// APIError is a decoded error envelope from the service.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leadforge: %d %s: %s", e.HTTPStatus, e.Code, e.Message)
}

// RequestOption mutates an outgoing request configuration.
type RequestOption func(*requestCfg)

type requestCfg struct {
	requestID string
	sourceID  int64
	headers   map[string]string
}

// WithRequestID sets an explicit request id for correlation.
func WithRequestID(id string) RequestOption {
	return func(c *requestCfg) { c.requestID = strings.TrimSpace(id) }
}

// WithSourceID sets the admin-trusted numeric source_id header override.
func WithSourceID(id int64) RequestOption {
	return func(c *requestCfg) { c.sourceID = id }
}

// WithHeader adds a one-off header.
func WithHeader(key, value string) RequestOption {
	return func(c *requestCfg) {
		if c.headers == nil {
			c.headers = map[string]string{}
		}
		c.headers[key] = value
	}
}

// SubmitLead posts one lead. Replays with the same idempotency key return
// the same LeadAccepted.LeadID.
func (c *Client) SubmitLead(ctx context.Context, lead Lead, opts ...RequestOption) (LeadAccepted, error) {
	var out LeadAccepted
	err := c.doJSON(ctx, http.MethodPost, "/api/leads", lead, &out, opts...)
	return out, err
}

// ReplayDelivery asks the service to re-enqueue delivery for a routed
// lead without a successful attempt (operator API).
func (c *Client) ReplayDelivery(ctx context.Context, leadID int64, opts ...RequestOption) error {
	path := "/api/leads/" + strconv.FormatInt(leadID, 10) + "/replay"
	return c.doJSON(ctx, http.MethodPost, path, struct{}{}, nil, opts...)
}

// Health fetches GET /health and reports whether the service considers
// itself healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &body); err != nil {
		return false, err
	}
	return body.Status == "healthy" || body.Status == "ok", nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, opts ...RequestOption) error {
	if c.BaseURL == "" {
		return errors.New("leadforge: BaseURL is required")
	}
	var cfg requestCfg
	for _, o := range opts {
		o(&cfg)
	}

	var body io.Reader
	if in != nil && method != http.MethodGet {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("leadforge: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("leadforge: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.StaticHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range cfg.headers {
		req.Header.Set(k, v)
	}
	if cfg.requestID != "" {
		req.Header.Set(c.requestHeader(), cfg.requestID)
	}
	if cfg.sourceID > 0 {
		req.Header.Set("source_id", strconv.FormatInt(cfg.sourceID, 10))
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("leadforge: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	maxBytes := c.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBytes))
	if err != nil {
		return fmt.Errorf("leadforge: read response: %w", err)
	}

	if res.StatusCode >= 400 {
		return decodeAPIError(res, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("leadforge: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) requestHeader() string {
	if c.RequestHeader != "" {
		return c.RequestHeader
	}
	return DefaultRequestHeader
}

func decodeAPIError(res *http.Response, raw []byte) error {
	var envelope struct {
		Detail struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"detail"`
	}
	apiErr := &APIError{HTTPStatus: res.StatusCode, Code: "unknown", Message: strings.TrimSpace(string(raw))}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Detail.Code != "" {
		apiErr.Code = envelope.Detail.Code
		apiErr.Message = envelope.Detail.Message
		apiErr.RequestID = envelope.Detail.RequestID
	}
	return apiErr
}
