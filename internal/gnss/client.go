// Package gnss drives the upstream GNSS authentication backend and performs
// the local anti-spoofing battery over its satellite snapshot. The
// orchestrator never re-authenticates navigation signals itself; it trusts
// the backend for signal authentication and the pseudorange fix, and checks
// what can be checked locally.
package gnss

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// Verification failure sentinels. All carry fault.Attestation classification
// when returned from Verify.
var (
	ErrInsufficientCoverage = errors.New("insufficient authenticated satellite coverage")
	ErrAuthenticationFailed = errors.New("navigation message authentication failed")
)

// SpoofingError reports a failed anti-spoofing check.
type SpoofingError struct {
	Reason string
}

func (e *SpoofingError) Error() string {
	return fmt.Sprintf("spoofing detected: %s", e.Reason)
}

// PositionMismatchError reports a claimed position outside tolerance of the
// authenticated fix.
type PositionMismatchError struct {
	Meters float64
}

func (e *PositionMismatchError) Error() string {
	return fmt.Sprintf("claimed position is %.1f m from authenticated fix", e.Meters)
}

// VerifyInput carries the requester's claimed position and raw signal data.
type VerifyInput struct {
	ClaimedLat int64
	ClaimedLng int64
	DeviceID   string
	RawSignal  []byte
}

// Client validates a claimed position against authenticated GNSS signals.
type Client interface {
	Verify(ctx context.Context, in VerifyInput) (*models.GnssProofBundle, error)
}

// satellite is one tracked satellite in the backend snapshot.
type satellite struct {
	PRN           int     `json:"prn"`
	CnoDb         float64 `json:"cno_db"`
	ElevationDeg  float64 `json:"elevation_deg"`
	Authenticated bool    `json:"authenticated"`
}

// snapshot is the backend's response to an authentication request.
type snapshot struct {
	Satellites     []satellite `json:"satellites"`
	AuthChainValid bool        `json:"auth_chain_valid"`
	AuthKeyID      string      `json:"auth_key_id"`
	FixLat         float64     `json:"fix_lat"`
	FixLng         float64     `json:"fix_lng"`
	AccuracyMeters float64     `json:"accuracy_m"`
	AtomicTimeUnix int64       `json:"atomic_time"`
}

type client struct {
	cfg        config.GnssConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a GNSS authenticator client against the configured
// backend.
func NewClient(cfg config.GnssConfig, logger *slog.Logger) Client {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Verify runs the full location authentication sequence. A non-nil error is
// classified: attestation failures halt the pipeline, transport faults are
// transient.
func (c *client) Verify(ctx context.Context, in VerifyInput) (*models.GnssProofBundle, error) {
	snap, err := c.acquireSnapshot(ctx, in)
	if err != nil {
		return nil, err
	}

	authed := make([]satellite, 0, len(snap.Satellites))
	for _, sat := range snap.Satellites {
		if sat.Authenticated {
			authed = append(authed, sat)
		}
	}
	if len(authed) < c.cfg.MinSatellites {
		return nil, fault.Wrap(fault.Attestation,
			fmt.Sprintf("%d of %d required satellites", len(authed), c.cfg.MinSatellites),
			ErrInsufficientCoverage)
	}

	if !snap.AuthChainValid {
		return nil, fault.Wrap(fault.Attestation, "auth chain", ErrAuthenticationFailed)
	}

	if err := c.antiSpoofing(authed); err != nil {
		return nil, fault.Wrap(fault.Attestation, "anti-spoofing battery", err)
	}

	fixLat := models.DegreesToFixed(snap.FixLat)
	fixLng := models.DegreesToFixed(snap.FixLng)
	distM := geo.FixedDistanceMeters(in.ClaimedLat, in.ClaimedLng, fixLat, fixLng)
	if distM > c.cfg.PositionToleranceM {
		return nil, fault.Wrap(fault.Attestation, "position cross-check",
			&PositionMismatchError{Meters: distM})
	}

	bundle := &models.GnssProofBundle{
		Lat:            fixLat,
		Lng:            fixLng,
		AccuracyMeters: snap.AccuracyMeters,
		SatelliteCount: len(authed),
		AuthKeyID:      snap.AuthKeyID,
		SpoofingClean:  true,
		Timestamp:      time.Unix(snap.AtomicTimeUnix, 0).UTC(),
		DeviceID:       in.DeviceID,
	}

	c.logger.Debug("gnss verification passed",
		slog.String("device_id", in.DeviceID),
		slog.Int("satellites", len(authed)),
		slog.Float64("distance_m", distM),
	)

	return bundle, nil
}

// antiSpoofing runs the local signal-plausibility checks over the
// authenticated satellite set.
func (c *client) antiSpoofing(sats []satellite) error {
	// Signal-power dispersion: genuine signals spread across the sky show
	// varied carrier-to-noise ratios; a rebroadcast simulator tends to emit
	// suspiciously uniform power.
	if sd := cnoStdDev(sats); sd < c.cfg.CnoStdDevThreshold {
		return &SpoofingError{
			Reason: fmt.Sprintf("C/N0 dispersion %.2f dB below %.2f dB threshold", sd, c.cfg.CnoStdDevThreshold),
		}
	}

	// Elevation-power correlation: low-elevation satellites travel through
	// more atmosphere and should not outpower high-elevation ones.
	lowMean, lowN := elevationBandMean(sats, 0, 30)
	highMean, highN := elevationBandMean(sats, 30, 91)
	if lowN > 0 && highN > 0 && lowMean-highMean > c.cfg.ElevationPowerDelta {
		return &SpoofingError{
			Reason: fmt.Sprintf("low-elevation mean C/N0 exceeds high-elevation mean by %.1f dB", lowMean-highMean),
		}
	}

	return nil
}

func (c *client) acquireSnapshot(ctx context.Context, in VerifyInput) (*snapshot, error) {
	payload, err := json.Marshal(map[string]any{
		"device_id":  in.DeviceID,
		"raw_signal": in.RawSignal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BackendURL+"/v1/authenticate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "gnss backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			return nil, fault.Newf(fault.Transient, "gnss backend returned %d: %s", resp.StatusCode, body)
		}
		return nil, fault.Newf(fault.Permanent, "gnss backend rejected request: %d: %s", resp.StatusCode, body)
	}

	var snap snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fault.Wrap(fault.Permanent, "malformed gnss backend response", err)
	}
	return &snap, nil
}

func cnoStdDev(sats []satellite) float64 {
	if len(sats) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sats {
		sum += s.CnoDb
	}
	mean := sum / float64(len(sats))

	var variance float64
	for _, s := range sats {
		d := s.CnoDb - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(sats)))
}

// elevationBandMean returns the mean C/N0 of satellites with elevation in
// [lo, hi) degrees, and how many fell in the band.
func elevationBandMean(sats []satellite, lo, hi float64) (float64, int) {
	var sum float64
	n := 0
	for _, s := range sats {
		if s.ElevationDeg >= lo && s.ElevationDeg < hi {
			sum += s.CnoDb
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
