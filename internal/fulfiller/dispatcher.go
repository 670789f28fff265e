package fulfiller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
	"github.com/aidchain/orchestrator/internal/pkg/ulid"
)

// DispatchInput describes one delivery job for a fulfiller.
type DispatchInput struct {
	RequestID      uint64
	FulfillerClass models.FulfillerClass
	AidClass       models.AidClass
	Lat            int64
	Lng            int64
	EstimatedCost  uint64
}

// DispatchResult is the fulfiller's acknowledgement.
type DispatchResult struct {
	DispatchID string        `json:"dispatch_id"`
	Reference  string        `json:"reference"`
	ETA        time.Duration `json:"eta"`
}

// Dispatcher issues delivery jobs to the fulfiller endpoint matching the
// consensus-chosen class.
type Dispatcher interface {
	Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error)
}

type dispatcher struct {
	endpoints  map[models.FulfillerClass]config.FulfillerEndpointConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher over the configured fulfiller
// endpoints.
func NewDispatcher(cfg config.FulfillerConfig, logger *slog.Logger) (Dispatcher, error) {
	endpoints := make(map[models.FulfillerClass]config.FulfillerEndpointConfig)
	for _, ep := range cfg.Endpoints {
		switch ep.Class {
		case "aerial":
			endpoints[models.FulfillerAerial] = ep
		case "human":
			endpoints[models.FulfillerHuman] = ep
		default:
			return nil, fmt.Errorf("unknown fulfiller class %q", ep.Class)
		}
	}
	return &dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: cfg.DispatchTimeout},
		logger:     logger,
	}, nil
}

// DeliverableReference returns the reference a fulfiller must echo in its
// delivery webhook for the given request.
func DeliverableReference(requestID uint64) string {
	return fmt.Sprintf("aidchain-%d", requestID)
}

// Dispatch issues the delivery job. Dispatch failures are permanent: the
// fulfiller either accepted the job or it did not, and blind re-dispatch
// risks double delivery.
func (d *dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	ep, ok := d.endpoints[in.FulfillerClass]
	if !ok {
		return nil, fault.Newf(fault.Permanent, "no fulfiller configured for class %s", in.FulfillerClass)
	}

	dispatchID := ulid.New()
	payload, err := json.Marshal(map[string]any{
		"dispatch_id": dispatchID,
		"reference":   DeliverableReference(in.RequestID),
		"aid_class":   in.AidClass.String(),
		"lat":         models.FixedToDegrees(in.Lat),
		"lng":         models.FixedToDegrees(in.Lng),
		"budget":      in.EstimatedCost,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.SharedSecret != "" {
		req.Header.Set("X-Fulfiller-Secret", ep.SharedSecret)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "fulfiller unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Newf(fault.Permanent, "fulfiller rejected dispatch: %d: %s", resp.StatusCode, body)
	}

	var ack struct {
		ETASeconds int64 `json:"eta_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fault.Wrap(fault.Permanent, "malformed dispatch acknowledgement", err)
	}

	result := &DispatchResult{
		DispatchID: dispatchID,
		Reference:  DeliverableReference(in.RequestID),
		ETA:        time.Duration(ack.ETASeconds) * time.Second,
	}

	d.logger.Info("fulfiller dispatched",
		slog.Uint64("request_id", in.RequestID),
		slog.String("class", in.FulfillerClass.String()),
		slog.String("dispatch_id", result.DispatchID),
		slog.Duration("eta", result.ETA),
	)

	return result, nil
}
