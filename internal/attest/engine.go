package attest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// Attestation failure sentinels.
var (
	ErrNoEventFound   = errors.New("no matching disaster event found")
	ErrEventNotActive = errors.New("best matching event is no longer active")
)

// Scoring weights. Proximity dominates: an event the requester is inside
// matters more than how many feeds reported it.
const (
	proximityWeight = 0.5
	coverageWeight  = 0.3
	severityWeight  = 0.2
)

// Engine cross-references disaster events across providers.
type Engine struct {
	providers []Provider
	cfg       config.AttestConfig
	logger    *slog.Logger

	mu     sync.RWMutex
	active []models.EventAttestation
}

// NewEngine creates an attestation engine over the given providers.
func NewEngine(providers []Provider, cfg config.AttestConfig, logger *slog.Logger) *Engine {
	return &Engine{providers: providers, cfg: cfg, logger: logger}
}

// candidate is a deduplicated event under scoring.
type candidate struct {
	ProviderEvent
	sources map[string]struct{}
	score   float64
	distKm  float64
}

// VerifyEvent queries all providers in parallel, deduplicates, scores, and
// returns the attestation for the best active event. Provider timeouts are
// skipped rather than fatal as long as at least one provider answers.
func (e *Engine) VerifyEvent(ctx context.Context, q Query) (*models.EventAttestation, error) {
	if q.RadiusKm <= 0 {
		q.RadiusKm = e.cfg.SearchRadiusKm
	}

	type result struct {
		provider string
		events   []ProviderEvent
		err      error
	}

	results := make(chan result, len(e.providers))
	for _, p := range e.providers {
		go func(p Provider) {
			pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
			defer cancel()
			events, err := p.Query(pctx, q)
			results <- result{provider: p.Name(), events: events, err: err}
		}(p)
	}

	var merged []*candidate
	succeeded := 0
	for range e.providers {
		res := <-results
		if res.err != nil {
			e.logger.Warn("attestation provider failed",
				slog.String("provider", res.provider),
				slog.String("error", res.err.Error()),
			)
			continue
		}
		succeeded++
		for _, ev := range res.events {
			e.merge(&merged, ev, res.provider, q)
		}
	}

	if succeeded == 0 {
		return nil, fault.New(fault.Transient, "all disaster-data providers failed")
	}

	best := e.score(merged, q)
	if best == nil {
		return nil, fault.Wrap(fault.Attestation, "event cross-reference", ErrNoEventFound)
	}
	if !best.Active {
		return nil, fault.Wrap(fault.Attestation, "event cross-reference", ErrEventNotActive)
	}

	att := &models.EventAttestation{
		EventID:    best.ID,
		EventClass: best.Class,
		Severity:   best.Severity,
		Region:     best.Region,
		CenterLat:  models.DegreesToFixed(best.Lat),
		CenterLng:  models.DegreesToFixed(best.Lng),
		RadiusKm:   best.RadiusKm,
		Sources:    sourceList(best.sources),
		DistanceKm: best.distKm,
		Active:     best.Active,
		AttestedAt: time.Now().UTC(),
	}

	e.remember(att)

	e.logger.Info("event attested",
		slog.Int64("request_lat", q.Lat),
		slog.String("event_id", att.EventID),
		slog.String("class", att.EventClass),
		slog.String("severity", att.Severity.String()),
		slog.Float64("distance_km", att.DistanceKm),
		slog.Int("sources", len(att.Sources)),
	)

	return att, nil
}

// merge folds a provider event into the deduplicated candidate set: events
// of the same class whose centres lie within the merge radius are one event
// reported by several feeds.
func (e *Engine) merge(merged *[]*candidate, ev ProviderEvent, provider string, q Query) {
	distKm := geo.DistanceMeters(
		models.FixedToDegrees(q.Lat), models.FixedToDegrees(q.Lng),
		ev.Lat, ev.Lng,
	) / 1000
	if distKm > q.RadiusKm {
		return
	}

	for _, c := range *merged {
		if c.Class != ev.Class {
			continue
		}
		centreKm := geo.DistanceMeters(c.Lat, c.Lng, ev.Lat, ev.Lng) / 1000
		if centreKm <= e.cfg.MergeRadiusKm {
			c.sources[provider] = struct{}{}
			if ev.Severity > c.Severity {
				c.Severity = ev.Severity
			}
			if ev.Active {
				c.Active = true
			}
			return
		}
	}

	*merged = append(*merged, &candidate{
		ProviderEvent: ev,
		sources:       map[string]struct{}{provider: {}},
		distKm:        distKm,
	})
}

// score ranks candidates and returns the best, or nil if there are none.
func (e *Engine) score(merged []*candidate, q Query) *candidate {
	var best *candidate
	for _, c := range merged {
		proximity := 0.0
		if c.RadiusKm > 0 {
			proximity = 1 - c.distKm/c.RadiusKm
			if proximity < 0 {
				proximity = 0
			}
		}
		coverage := float64(len(c.sources)) / 3
		if coverage > 1 {
			coverage = 1
		}
		c.score = proximityWeight*proximity + coverageWeight*coverage + severityWeight*c.Severity.Weight()

		if best == nil || c.score > best.score {
			best = c
		}
	}
	return best
}

// remember caches the attested event for the active-events listing. The
// cache is bounded and advisory only.
func (e *Engine) remember(att *models.EventAttestation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.active {
		if existing.EventID == att.EventID {
			e.active[i] = *att
			return
		}
	}
	const maxCached = 100
	if len(e.active) >= maxCached {
		e.active = e.active[1:]
	}
	e.active = append(e.active, *att)
}

// ActiveEvents returns the most recently attested events, newest last.
func (e *Engine) ActiveEvents() []models.EventAttestation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.EventAttestation, len(e.active))
	copy(out, e.active)
	return out
}

func sourceList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ProvidersFromConfig builds the provider set declared in configuration.
func ProvidersFromConfig(cfg config.AttestConfig) ([]Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no attestation providers configured")
	}
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, NewHTTPProvider(pc, cfg.ProviderTimeout))
	}
	return providers, nil
}
