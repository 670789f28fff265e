// Package attest cross-references a requester's position against live
// disaster-data providers and produces a content-addressed event
// attestation.
package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// Query is one attestation lookup: the authenticated position plus the
// requester's claimed disaster class.
type Query struct {
	Lat          int64
	Lng          int64
	ClaimedClass string
	RadiusKm     float64
}

// ProviderEvent is a disaster event as reported by one provider, normalised
// to the engine's units (degrees, kilometres).
type ProviderEvent struct {
	ID        string          `json:"id"`
	Class     string          `json:"class"`
	Severity  models.Severity `json:"-"`
	Region    string          `json:"region"`
	Lat       float64         `json:"lat"`
	Lng       float64         `json:"lng"`
	RadiusKm  float64         `json:"radius_km"`
	Active    bool            `json:"active"`
	StartedAt time.Time       `json:"started_at"`
}

// Provider queries one disaster-data source.
type Provider interface {
	Name() string
	Query(ctx context.Context, q Query) ([]ProviderEvent, error)
}

// httpProvider speaks the normalised events API shared by the configured
// feeds (GDACS, ReliefWeb, USGS behind their respective normalisers).
type httpProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider against a normalised events endpoint.
func NewHTTPProvider(cfg config.AttestProviderConfig, timeout time.Duration) Provider {
	return &httpProvider{
		name:       cfg.Name,
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *httpProvider) Name() string { return p.name }

// wireEvent is the provider's JSON event shape; severity arrives as a string.
type wireEvent struct {
	ID        string  `json:"id"`
	Class     string  `json:"class"`
	Severity  string  `json:"severity"`
	Region    string  `json:"region"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	RadiusKm  float64 `json:"radius_km"`
	Active    bool    `json:"active"`
	StartedAt int64   `json:"started_at"`
}

func (p *httpProvider) Query(ctx context.Context, q Query) ([]ProviderEvent, error) {
	u, err := url.Parse(p.baseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("invalid provider url: %w", err)
	}
	params := u.Query()
	params.Set("lat", fmt.Sprintf("%.7f", models.FixedToDegrees(q.Lat)))
	params.Set("lng", fmt.Sprintf("%.7f", models.FixedToDegrees(q.Lng)))
	params.Set("radius_km", fmt.Sprintf("%.1f", q.RadiusKm))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, p.name+" unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Newf(fault.Transient, "%s returned %d: %s", p.name, resp.StatusCode, body)
	}

	var payload struct {
		Events []wireEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fault.Wrap(fault.Transient, p.name+" malformed response", err)
	}

	events := make([]ProviderEvent, 0, len(payload.Events))
	for _, we := range payload.Events {
		events = append(events, ProviderEvent{
			ID:        we.ID,
			Class:     we.Class,
			Severity:  parseSeverity(we.Severity),
			Region:    we.Region,
			Lat:       we.Lat,
			Lng:       we.Lng,
			RadiusKm:  we.RadiusKm,
			Active:    we.Active,
			StartedAt: time.Unix(we.StartedAt, 0).UTC(),
		})
	}
	return events, nil
}

func parseSeverity(s string) models.Severity {
	switch s {
	case "critical":
		return models.SeverityCritical
	case "severe":
		return models.SeveritySevere
	case "moderate":
		return models.SeverityModerate
	default:
		return models.SeverityLow
	}
}
