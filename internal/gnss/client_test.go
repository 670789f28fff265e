package gnss

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

func testConfig(url string) config.GnssConfig {
	return config.GnssConfig{
		BackendURL:          url,
		Timeout:             5 * time.Second,
		MinSatellites:       4,
		CnoStdDevThreshold:  1.5,
		ElevationPowerDelta: 5.0,
		PositionToleranceM:  50,
	}
}

// goodSnapshot is a plausible six-satellite fix at the claimed position with
// naturally dispersed signal power.
func goodSnapshot() snapshot {
	return snapshot{
		Satellites: []satellite{
			{PRN: 3, CnoDb: 44.1, ElevationDeg: 72, Authenticated: true},
			{PRN: 7, CnoDb: 41.5, ElevationDeg: 55, Authenticated: true},
			{PRN: 11, CnoDb: 38.2, ElevationDeg: 34, Authenticated: true},
			{PRN: 15, CnoDb: 35.7, ElevationDeg: 21, Authenticated: true},
			{PRN: 22, CnoDb: 33.9, ElevationDeg: 12, Authenticated: true},
			{PRN: 28, CnoDb: 30.0, ElevationDeg: 8, Authenticated: false},
		},
		AuthChainValid: true,
		AuthKeyID:      "osnma-2025-q1",
		FixLat:         37.4224,
		FixLng:         -122.0848,
		AccuracyMeters: 2.5,
		AtomicTimeUnix: 1742000000,
	}
}

func snapshotServer(t *testing.T, snap snapshot) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/authenticate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(snap))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVerifyHappyPath(t *testing.T) {
	srv := snapshotServer(t, goodSnapshot())
	c := NewClient(testConfig(srv.URL), discard())

	bundle, err := c.Verify(context.Background(), VerifyInput{
		ClaimedLat: models.DegreesToFixed(37.4224),
		ClaimedLng: models.DegreesToFixed(-122.0848),
		DeviceID:   "dev-1",
		RawSignal:  []byte{0x01, 0x02},
	})
	require.NoError(t, err)

	assert.Equal(t, models.DegreesToFixed(37.4224), bundle.Lat)
	assert.Equal(t, 5, bundle.SatelliteCount, "unauthenticated satellites are excluded")
	assert.True(t, bundle.SpoofingClean)
	assert.Equal(t, "osnma-2025-q1", bundle.AuthKeyID)
	assert.Equal(t, "dev-1", bundle.DeviceID)
	assert.False(t, models.IsZeroDigest(bundle.Digest()))
}

func TestVerifyUniformPowerIsSpoofing(t *testing.T) {
	snap := goodSnapshot()
	// A simulator rebroadcast: near-identical C/N0 on every channel.
	for i := range snap.Satellites {
		snap.Satellites[i].CnoDb = 42.0 + float64(i)*0.1
	}
	srv := snapshotServer(t, snap)
	c := NewClient(testConfig(srv.URL), discard())

	_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
	require.Error(t, err)

	var spoof *SpoofingError
	assert.True(t, errors.As(err, &spoof))
	assert.Equal(t, fault.Attestation, fault.KindOf(err))
}

func TestVerifyLowElevationOverpower(t *testing.T) {
	snap := goodSnapshot()
	// Low-elevation satellites outpowering zenith ones by a wide margin, but
	// with enough dispersion to pass the stddev gate.
	snap.Satellites = []satellite{
		{PRN: 3, CnoDb: 30.0, ElevationDeg: 72, Authenticated: true},
		{PRN: 7, CnoDb: 33.0, ElevationDeg: 55, Authenticated: true},
		{PRN: 11, CnoDb: 44.0, ElevationDeg: 20, Authenticated: true},
		{PRN: 15, CnoDb: 47.0, ElevationDeg: 12, Authenticated: true},
	}
	srv := snapshotServer(t, snap)
	c := NewClient(testConfig(srv.URL), discard())

	_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
	require.Error(t, err)

	var spoof *SpoofingError
	require.True(t, errors.As(err, &spoof))
	assert.Contains(t, spoof.Reason, "low-elevation")
}

func TestVerifyPositionMismatch(t *testing.T) {
	srv := snapshotServer(t, goodSnapshot())
	c := NewClient(testConfig(srv.URL), discard())

	// Claim a point ~111 m north of the authenticated fix.
	_, err := c.Verify(context.Background(), VerifyInput{
		ClaimedLat: models.DegreesToFixed(37.4234),
		ClaimedLng: models.DegreesToFixed(-122.0848),
		DeviceID:   "dev-1",
	})
	require.Error(t, err)

	var mismatch *PositionMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Greater(t, mismatch.Meters, 50.0)
	assert.Equal(t, fault.Attestation, fault.KindOf(err))
}

func TestVerifyInsufficientSatellites(t *testing.T) {
	snap := goodSnapshot()
	snap.Satellites = snap.Satellites[:3]
	srv := snapshotServer(t, snap)
	c := NewClient(testConfig(srv.URL), discard())

	_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
	assert.ErrorIs(t, err, ErrInsufficientCoverage)
	assert.Equal(t, fault.Attestation, fault.KindOf(err))
}

func TestVerifyBrokenAuthChain(t *testing.T) {
	snap := goodSnapshot()
	snap.AuthChainValid = false
	srv := snapshotServer(t, snap)
	c := NewClient(testConfig(srv.URL), discard())

	_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestVerifyBackendFaultClassification(t *testing.T) {
	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(testConfig(srv.URL), discard())
		_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
		assert.Equal(t, fault.Transient, fault.KindOf(err))
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad payload", http.StatusBadRequest)
		}))
		defer srv.Close()

		c := NewClient(testConfig(srv.URL), discard())
		_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
		assert.Equal(t, fault.Permanent, fault.KindOf(err))
	})

	t.Run("unreachable backend is transient", func(t *testing.T) {
		c := NewClient(testConfig("http://127.0.0.1:1"), discard())
		_, err := c.Verify(context.Background(), VerifyInput{DeviceID: "dev-1"})
		assert.Equal(t, fault.Transient, fault.KindOf(err))
	})
}
