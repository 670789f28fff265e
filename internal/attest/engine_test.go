package attest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

type fakeProvider struct {
	name   string
	events []ProviderEvent
	err    error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Query(ctx context.Context, q Query) ([]ProviderEvent, error) {
	return f.events, f.err
}

func testEngine(providers ...Provider) *Engine {
	cfg := config.AttestConfig{
		ProviderTimeout: 2 * time.Second,
		SearchRadiusKm:  500,
		MergeRadiusKm:   50,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(providers, cfg, logger)
}

// Requester position in fixed-point, roughly central Philippines.
var (
	qLat = models.DegreesToFixed(10.3157)
	qLng = models.DegreesToFixed(123.8854)
)

func nearbyEvent(id, provider string) ProviderEvent {
	return ProviderEvent{
		ID:       id,
		Class:    "typhoon",
		Severity: models.SeveritySevere,
		Region:   "Central Visayas",
		Lat:      10.32,
		Lng:      123.90,
		RadiusKm: 200,
		Active:   true,
	}
}

func TestVerifyEventMergesAcrossProviders(t *testing.T) {
	// Two feeds report the same typhoon with centres ~20 km apart; the
	// engine must fold them into one candidate with both sources.
	evA := nearbyEvent("gdacs-TY-1", "gdacs")
	evB := nearbyEvent("reliefweb-9", "reliefweb")
	evB.Lat = 10.45
	evB.Severity = models.SeverityCritical

	e := testEngine(
		&fakeProvider{name: "gdacs", events: []ProviderEvent{evA}},
		&fakeProvider{name: "reliefweb", events: []ProviderEvent{evB}},
	)

	att, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng, ClaimedClass: "medical"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"gdacs", "reliefweb"}, att.Sources)
	assert.Equal(t, models.SeverityCritical, att.Severity, "merge keeps the worst severity")
	assert.True(t, att.Active)
	assert.False(t, att.AttestedAt.IsZero())
}

func TestVerifyEventScoringPrefersCloserBetterCovered(t *testing.T) {
	near := nearbyEvent("near", "")
	far := ProviderEvent{
		ID: "far", Class: "earthquake", Severity: models.SeverityCritical,
		Lat: 12.5, Lng: 125.0, RadiusKm: 260, Active: true,
	}

	e := testEngine(
		&fakeProvider{name: "gdacs", events: []ProviderEvent{near, far}},
		&fakeProvider{name: "usgs", events: []ProviderEvent{near}},
	)

	att, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
	require.NoError(t, err)
	assert.Equal(t, "near", att.EventID)
	assert.Less(t, att.DistanceKm, 10.0)
}

func TestVerifyEventNoMatch(t *testing.T) {
	// The only reported event is on another continent, outside the search
	// radius.
	remote := ProviderEvent{
		ID: "remote", Class: "flood", Lat: 48.85, Lng: 2.35, RadiusKm: 100, Active: true,
	}
	e := testEngine(&fakeProvider{name: "gdacs", events: []ProviderEvent{remote}})

	_, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
	assert.ErrorIs(t, err, ErrNoEventFound)
	assert.Equal(t, fault.Attestation, fault.KindOf(err))
}

func TestVerifyEventInactive(t *testing.T) {
	stale := nearbyEvent("stale", "gdacs")
	stale.Active = false

	e := testEngine(&fakeProvider{name: "gdacs", events: []ProviderEvent{stale}})

	_, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
	assert.ErrorIs(t, err, ErrEventNotActive)
}

func TestVerifyEventProviderFailures(t *testing.T) {
	t.Run("one provider down is tolerated", func(t *testing.T) {
		e := testEngine(
			&fakeProvider{name: "gdacs", err: errors.New("timeout")},
			&fakeProvider{name: "reliefweb", events: []ProviderEvent{nearbyEvent("ok", "reliefweb")}},
		)

		att, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
		require.NoError(t, err)
		assert.Equal(t, []string{"reliefweb"}, att.Sources)
	})

	t.Run("all providers down is transient", func(t *testing.T) {
		e := testEngine(
			&fakeProvider{name: "gdacs", err: errors.New("timeout")},
			&fakeProvider{name: "reliefweb", err: errors.New("refused")},
		)

		_, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
		assert.Equal(t, fault.Transient, fault.KindOf(err))
	})
}

func TestActiveEventsCache(t *testing.T) {
	e := testEngine(&fakeProvider{name: "gdacs", events: []ProviderEvent{nearbyEvent("ty-1", "gdacs")}})

	assert.Empty(t, e.ActiveEvents())

	_, err := e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
	require.NoError(t, err)

	// A second attestation of the same event updates in place.
	_, err = e.VerifyEvent(context.Background(), Query{Lat: qLat, Lng: qLng})
	require.NoError(t, err)

	active := e.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, "ty-1", active[0].EventID)
}
