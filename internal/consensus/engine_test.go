package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
)

type fakeNode struct {
	id     string
	answer string
	err    error
}

func (f *fakeNode) ID() string    { return f.id }
func (f *fakeNode) Model() string { return "test-model" }

func (f *fakeNode) Ask(ctx context.Context, prompt string) (string, error) {
	return f.answer, f.err
}

func verdictJSON(t *testing.T, approved bool, aid, fulfiller int, cost uint64, confidence int) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"approved":        approved,
		"reason":          "test verdict",
		"recommended_aid": aid,
		"fulfiller_type":  fulfiller,
		"estimated_cost":  cost,
		"confidence":      confidence,
		"priority_score":  70,
	})
	require.NoError(t, err)
	return string(raw)
}

func testPanel(nodes ...Node) *Engine {
	cfg := config.ConsensusConfig{NodeTimeout: 2 * time.Second, QuorumFloor: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(nodes, cfg, logger)
}

func panelInputs() (*models.AidRequest, *models.GnssProofBundle, *models.EventAttestation) {
	req := &models.AidRequest{ID: 12, AidClass: models.AidMedical, Urgency: models.UrgencyCritical}
	proof := &models.GnssProofBundle{
		Lat: models.DegreesToFixed(10.3157), Lng: models.DegreesToFixed(123.8854),
		AccuracyMeters: 3, SatelliteCount: 6, Timestamp: time.Unix(1742000000, 0).UTC(),
	}
	att := &models.EventAttestation{
		EventID: "gdacs-TY-1", EventClass: "typhoon", Severity: models.SeveritySevere,
		Region: "Central Visayas", RadiusKm: 200, DistanceKm: 4.2,
		Sources: []string{"gdacs", "reliefweb"}, Active: true,
	}
	return req, proof, att
}

func TestRunApprovesOnSupermajority(t *testing.T) {
	// 4 of 5 approve. Costs {120, 140, 150, 160} from approving nodes, lower
	// median 140; aid plurality medical; one vote for human fulfiller loses.
	nodes := []Node{
		&fakeNode{id: "arbiter", answer: verdictJSON(t, true, 0, 0, 140_000000, 90)},
		&fakeNode{id: "skeptic", answer: verdictJSON(t, false, 0, 0, 0, 40)},
		&fakeNode{id: "logistician", answer: verdictJSON(t, true, 0, 1, 150_000000, 80)},
		&fakeNode{id: "medic", answer: verdictJSON(t, true, 0, 0, 120_000000, 85)},
		&fakeNode{id: "auditor", answer: verdictJSON(t, true, 0, 0, 160_000000, 75)},
	}
	e := testPanel(nodes...)

	req, proof, att := panelInputs()
	transcript, err := e.Run(context.Background(), req, proof, att)
	require.NoError(t, err)

	assert.True(t, transcript.Approved)
	assert.Equal(t, 5, transcript.NodeCount)
	assert.Equal(t, 5, transcript.ValidCount)
	assert.Equal(t, 4, transcript.ApprovalCount)
	assert.Equal(t, models.AidMedical, transcript.AidClass)
	assert.Equal(t, models.FulfillerAerial, transcript.FulfillerClass)
	assert.Equal(t, uint64(140_000000), transcript.EstimatedCost)
	assert.InDelta(t, 82.5, transcript.AvgConfidence, 1e-9)
	assert.False(t, models.IsZeroDigest(transcript.Digest()))

	// Verdicts are sorted by node id regardless of arrival order.
	ids := make([]string, 0, len(transcript.Verdicts))
	for _, v := range transcript.Verdicts {
		ids = append(ids, v.NodeID)
	}
	assert.Equal(t, []string{"arbiter", "auditor", "logistician", "medic", "skeptic"}, ids)
}

func TestRunRejectsBelowSupermajority(t *testing.T) {
	// 3 of 5 approve: 9 > 10 is false, so the panel rejects.
	nodes := []Node{
		&fakeNode{id: "n1", answer: verdictJSON(t, true, 0, 0, 100, 80)},
		&fakeNode{id: "n2", answer: verdictJSON(t, true, 0, 0, 100, 80)},
		&fakeNode{id: "n3", answer: verdictJSON(t, true, 0, 0, 100, 80)},
		&fakeNode{id: "n4", answer: verdictJSON(t, false, 0, 0, 0, 50)},
		&fakeNode{id: "n5", answer: verdictJSON(t, false, 0, 0, 0, 50)},
	}
	e := testPanel(nodes...)

	req, proof, att := panelInputs()
	transcript, err := e.Run(context.Background(), req, proof, att)
	require.NoError(t, err)

	assert.False(t, transcript.Approved)
	assert.Contains(t, transcript.Reason, "supermajority not reached")
}

func TestRunQuorumFloor(t *testing.T) {
	// Three nodes fail outright, leaving 2 valid verdicts against a floor of 3.
	nodes := []Node{
		&fakeNode{id: "n1", answer: verdictJSON(t, true, 0, 0, 100, 80)},
		&fakeNode{id: "n2", answer: verdictJSON(t, true, 0, 0, 100, 80)},
		&fakeNode{id: "n3", err: errors.New("timeout")},
		&fakeNode{id: "n4", err: errors.New("503")},
		&fakeNode{id: "n5", answer: "not json at all"},
	}
	e := testPanel(nodes...)

	req, proof, att := panelInputs()
	transcript, err := e.Run(context.Background(), req, proof, att)
	require.NoError(t, err)

	assert.False(t, transcript.Approved)
	assert.Equal(t, ReasonInsufficientNodes, transcript.Reason)
	assert.Equal(t, 2, transcript.ValidCount)
}

func TestRunRejectsOutOfRangeVerdicts(t *testing.T) {
	cases := []struct {
		name   string
		answer string
	}{
		{"aid class out of range", verdictJSON(t, true, 9, 0, 100, 80)},
		{"fulfiller type out of range", verdictJSON(t, true, 0, 2, 100, 80)},
		{"confidence over 100", verdictJSON(t, true, 0, 0, 100, 150)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := []Node{
				&fakeNode{id: "bad", answer: tc.answer},
				&fakeNode{id: "g1", answer: verdictJSON(t, true, 0, 0, 100, 80)},
				&fakeNode{id: "g2", answer: verdictJSON(t, true, 0, 0, 100, 80)},
				&fakeNode{id: "g3", answer: verdictJSON(t, true, 0, 0, 100, 80)},
				&fakeNode{id: "g4", answer: verdictJSON(t, true, 0, 0, 100, 80)},
			}
			e := testPanel(nodes...)

			req, proof, att := panelInputs()
			transcript, err := e.Run(context.Background(), req, proof, att)
			require.NoError(t, err)

			assert.Equal(t, 4, transcript.ValidCount)
			assert.True(t, transcript.Approved, "four clean approvals carry the panel")
		})
	}
}

func TestRunFencedVerdictIsAccepted(t *testing.T) {
	fenced := fmt.Sprintf("```json\n%s\n```", verdictJSON(t, true, 1, 1, 90_000000, 70))
	nodes := []Node{
		&fakeNode{id: "n1", answer: fenced},
		&fakeNode{id: "n2", answer: fenced},
		&fakeNode{id: "n3", answer: fenced},
	}
	cfg := config.ConsensusConfig{NodeTimeout: time.Second, QuorumFloor: 3}
	e := NewEngine(nodes, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req, proof, att := panelInputs()
	transcript, err := e.Run(context.Background(), req, proof, att)
	require.NoError(t, err)

	assert.True(t, transcript.Approved)
	assert.Equal(t, models.AidFood, transcript.AidClass)
	assert.Equal(t, models.FulfillerHuman, transcript.FulfillerClass)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFences(`{"a":1}`))
}

func TestLowerMedian(t *testing.T) {
	assert.Equal(t, uint64(150), lowerMedian([]uint64{200, 120, 150, 160, 140}))
	assert.Equal(t, uint64(140), lowerMedian([]uint64{160, 140, 120, 150}))
	assert.Equal(t, uint64(0), lowerMedian(nil))
}

func TestBuildPromptMentionsEvidence(t *testing.T) {
	req, proof, att := panelInputs()
	prompt := BuildPrompt(req, proof, att)

	assert.Contains(t, prompt, "AID REQUEST #12")
	assert.Contains(t, prompt, "gdacs-TY-1")
	assert.Contains(t, prompt, "anti-spoofing passed")
	assert.Contains(t, prompt, "gdacs, reliefweb")
}
