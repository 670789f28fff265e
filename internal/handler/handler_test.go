package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/audit"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pipeline"
	"github.com/aidchain/orchestrator/internal/service"
)

// stubAdapter serves canned ledger reads; every write is refused.
type stubAdapter struct {
	requests   map[uint64]*models.AidRequest
	userIDs    []uint64
	stats      *ledger.PoolStats
	unverified bool
}

func (s *stubAdapter) GetRequest(ctx context.Context, id uint64) (*models.AidRequest, error) {
	if req, ok := s.requests[id]; ok {
		return req, nil
	}
	return nil, ledger.ErrWritesDisabled // any error; handler maps to 404
}

func (s *stubAdapter) GetUserRequests(ctx context.Context, addr common.Address) ([]uint64, error) {
	return s.userIDs, nil
}

func (s *stubAdapter) GetRequestCount(ctx context.Context) (uint64, error) { return 0, nil }

func (s *stubAdapter) IsIdentityVerified(ctx context.Context, addr common.Address) (bool, error) {
	return !s.unverified, nil
}

func (s *stubAdapter) GetPoolStats(ctx context.Context) (*ledger.PoolStats, error) {
	return s.stats, nil
}

func (s *stubAdapter) GetApprovedFulfiller(ctx context.Context, class models.FulfillerClass) (common.Address, error) {
	return common.Address{}, nil
}

func (s *stubAdapter) SubmitVerification(ctx context.Context, id uint64, g, e [32]byte) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

func (s *stubAdapter) SubmitConsensus(ctx context.Context, id uint64, sub ledger.ConsensusSubmission) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

func (s *stubAdapter) AssignFulfiller(ctx context.Context, id uint64, f common.Address, a *big.Int) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

func (s *stubAdapter) VerifyDelivery(ctx context.Context, id uint64, v bool, d [32]byte) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

func (s *stubAdapter) ReleasePayout(ctx context.Context, id uint64) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

func (s *stubAdapter) TimeoutRequest(ctx context.Context, id uint64) (*ledger.WriteResult, error) {
	return nil, ledger.ErrWritesDisabled
}

type noEvents struct{}

func (noEvents) ActiveEvents() []models.EventAttestation { return nil }

// apiServer wires the full router over stubbed collaborators.
func apiServer(t *testing.T, adapter ledger.Adapter) (*httptest.Server, service.TokenService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := bus.New(64)
	t.Cleanup(b.Close)

	cfg := &config.Config{}
	cfg.Attest.SearchRadiusKm = 500
	cfg.Pipeline.DeliveryTimeout = time.Minute

	o := pipeline.New(cfg, pipeline.Deps{
		Ledger: adapter,
		Bus:    b,
		Audit:  audit.NewNopRecorder(logger),
		Logger: logger,
	})

	tokens := service.NewTokenService(config.AuthConfig{
		TokenSecret:   "test-secret-0123456789abcdef",
		TokenLifetime: time.Hour,
	})
	authSvc := service.NewAuthService(tokens, adapter, logger)

	fulfillerCfg := config.FulfillerConfig{
		Endpoints: []config.FulfillerEndpointConfig{
			{Class: "aerial", SharedSecret: "s3cret"},
		},
	}

	api := API{
		Requests: NewRequestHandler(o, adapter, noEvents{}),
		Delivery: NewDeliveryHandler(o, b),
		Webhooks: NewWebhookHandler(o, fulfillerCfg, logger),
		Auth:     NewAuthHandler(authSvc),
		Tokens:   tokens,
	}

	r := chi.NewRouter()
	r.Route("/api", api.Register)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, tokens
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func postJSON(t *testing.T, url string, payload any, header http.Header) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestGetRequest(t *testing.T) {
	adapter := &stubAdapter{requests: map[uint64]*models.AidRequest{
		42: {
			ID: 42, Requester: "0x00000000000000000000000000000000000000aa",
			AidClass: models.AidMedical, Urgency: models.UrgencyCritical,
			Lat: models.DegreesToFixed(10.3157), Lng: models.DegreesToFixed(123.8854),
			Status: models.StatusSubmitted, CreatedAt: time.Unix(1742000000, 0).UTC(),
		},
	}}
	srv, _ := apiServer(t, adapter)

	t.Run("found", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/requests/42")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "medical", body["aid_class"])
		assert.Equal(t, "submitted", body["status"])
		assert.InDelta(t, 10.3157, body["lat"].(float64), 1e-7)
	})

	t.Run("missing", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/requests/99")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("bad id", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/requests/abc")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPipelineStatusNotActive(t *testing.T) {
	srv, _ := apiServer(t, &stubAdapter{})

	resp, err := http.Get(srv.URL + "/api/requests/42/pipeline")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_active", decodeBody(t, resp)["status"])
}

func TestUserRequests(t *testing.T) {
	srv, _ := apiServer(t, &stubAdapter{userIDs: []uint64{1, 5, 9}})

	t.Run("valid address", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/requests/user/0x1234567890AbcdEF1234567890aBcdef12345678")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Len(t, body["request_ids"], 3)
	})

	t.Run("bad address", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/requests/user/nonsense")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestFundStats(t *testing.T) {
	srv, _ := apiServer(t, &stubAdapter{stats: &ledger.PoolStats{
		Deposited: big.NewInt(1_000_000000),
		Escrowed:  big.NewInt(140_000000),
		PaidOut:   big.NewInt(200_500000),
		Available: big.NewInt(659_500000),
	}})

	resp, err := http.Get(srv.URL + "/api/fund/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "1000.000000", body["total_deposited"])
	assert.Equal(t, "140.000000", body["total_escrowed"])
	assert.Equal(t, "200.500000", body["total_paid_out"])
	assert.Equal(t, "659.500000", body["available_balance"])
}

func TestFormatMinorUnits(t *testing.T) {
	assert.Equal(t, "0.000000", formatMinorUnits(nil))
	assert.Equal(t, "0.000001", formatMinorUnits(big.NewInt(1)))
	assert.Equal(t, "1.500000", formatMinorUnits(big.NewInt(1_500000)))
	assert.Equal(t, "12345.678901", formatMinorUnits(big.NewInt(12_345_678901)))
	assert.Equal(t, "-0.500000", formatMinorUnits(big.NewInt(-500000)))
	assert.Equal(t, "-1.500000", formatMinorUnits(big.NewInt(-1_500000)))
}

func TestSubmitRequiresBearerToken(t *testing.T) {
	srv, tokens := apiServer(t, &stubAdapter{})

	payload := map[string]any{
		"aid_type": "medical", "urgency": "critical",
		"lat": 10.3157, "lng": 123.8854, "gnss_data": "AQI=",
	}

	t.Run("no token", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/requests", payload, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("no pending request on ledger", func(t *testing.T) {
		token, _, err := tokens.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "dev-1")
		require.NoError(t, err)

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		resp := postJSON(t, srv.URL+"/api/requests", payload, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("rejects identity the registry does not verify", func(t *testing.T) {
		// The token carries verified=true but the registry is the
		// authority for writes.
		unverifiedSrv, unverifiedTokens := apiServer(t, &stubAdapter{unverified: true})
		token, _, err := unverifiedTokens.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "dev-1")
		require.NoError(t, err)

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		resp := postJSON(t, unverifiedSrv.URL+"/api/requests", payload, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decodeBody(t, resp)["details"], "not verified")
	})

	t.Run("rejects unknown aid type", func(t *testing.T) {
		token, _, err := tokens.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "dev-1")
		require.NoError(t, err)

		bad := map[string]any{
			"aid_type": "water", "urgency": "critical",
			"lat": 10.0, "lng": 120.0, "gnss_data": "AQI=",
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		resp := postJSON(t, srv.URL+"/api/requests", bad, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestWebhookAuthentication(t *testing.T) {
	srv, _ := apiServer(t, &stubAdapter{})

	payload := map[string]any{
		"reference": "aidchain-42", "status": "delivered",
		"drop_lat": 10.3157, "drop_lng": 123.8854, "drone_id": "drone-7",
	}

	t.Run("wrong secret", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fulfiller-Secret", "wrong")
		resp := postJSON(t, srv.URL+"/api/webhooks/aerial", payload, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("unknown fulfiller", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fulfiller-Secret", "s3cret")
		resp := postJSON(t, srv.URL+"/api/webhooks/maritime", payload, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("valid secret acknowledges even without a waiting pipeline", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fulfiller-Secret", "s3cret")
		resp := postJSON(t, srv.URL+"/api/webhooks/aerial", payload, header)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, decodeBody(t, resp)["received"])
	})

	t.Run("malformed reference", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fulfiller-Secret", "s3cret")
		resp := postJSON(t, srv.URL+"/api/webhooks/aerial",
			map[string]any{"reference": "order-42"}, header)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestDeliveryConfirmValidation(t *testing.T) {
	srv, tokens := apiServer(t, &stubAdapter{})
	token, _, err := tokens.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "")
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	t.Run("unknown delivery class", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/delivery/confirm",
			map[string]any{"request_id": 1, "delivery_class": "submarine"}, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "failed", decodeBody(t, resp)["status"])
	})

	t.Run("no pipeline awaiting delivery", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/delivery/confirm",
			map[string]any{
				"request_id": 1, "delivery_class": "aerial",
				"drop_lat": 10.0, "drop_lng": 120.0,
			}, header)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, "failed", body["status"])
		assert.Contains(t, body["reason"], "not awaiting delivery")
	})
}

func TestAuthLoginEndpoint(t *testing.T) {
	srv, _ := apiServer(t, &stubAdapter{})

	t.Run("missing fields", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/auth/login", map[string]any{"address": "0xabc"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("bad signature", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/auth/login", map[string]any{
			"address":   "0x1234567890AbcdEF1234567890aBcdef12345678",
			"signature": "0x00",
			"message":   "login",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})
}
