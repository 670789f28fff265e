package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// ReasonInsufficientNodes is recorded on the transcript when the panel
// fails the quorum floor.
const ReasonInsufficientNodes = "InsufficientNodes"

// Node is one panel member: an endpoint that can be asked for a verdict.
type Node interface {
	ID() string
	Model() string
	Ask(ctx context.Context, prompt string) (string, error)
}

// Engine runs the panel protocol.
type Engine struct {
	nodes   []Node
	cfg     config.ConsensusConfig
	logger  *slog.Logger
}

// NewEngine creates a consensus engine over the given panel.
func NewEngine(nodes []Node, cfg config.ConsensusConfig, logger *slog.Logger) *Engine {
	return &Engine{nodes: nodes, cfg: cfg, logger: logger}
}

// rawVerdict is the JSON object the prompt demands from each node.
type rawVerdict struct {
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason"`
	RecommendedAid int    `json:"recommended_aid"`
	FulfillerType  int    `json:"fulfiller_type"`
	EstimatedCost  uint64 `json:"estimated_cost"`
	Confidence     int    `json:"confidence"`
	PriorityScore  int    `json:"priority_score"`
}

// Run dispatches the identical prompt to every node in parallel and
// aggregates the verdicts. A below-quorum or below-supermajority panel
// yields an unapproved transcript, not an error; only the inability to run
// the panel at all is an error.
func (e *Engine) Run(ctx context.Context, req *models.AidRequest, proof *models.GnssProofBundle, att *models.EventAttestation) (*models.ConsensusTranscript, error) {
	if len(e.nodes) == 0 {
		return nil, fault.New(fault.Permanent, "no consensus nodes configured")
	}

	prompt := BuildPrompt(req, proof, att)

	verdicts := make(chan models.NodeVerdict, len(e.nodes))
	for _, node := range e.nodes {
		go func(n Node) {
			verdicts <- e.askNode(ctx, n, prompt)
		}(node)
	}

	transcript := &models.ConsensusTranscript{NodeCount: len(e.nodes)}
	for range e.nodes {
		v := <-verdicts
		transcript.Verdicts = append(transcript.Verdicts, v)
		if v.Valid {
			transcript.ValidCount++
			if v.Approved {
				transcript.ApprovalCount++
			}
		}
	}
	// Deterministic transcript ordering regardless of response arrival.
	sort.Slice(transcript.Verdicts, func(i, j int) bool {
		return transcript.Verdicts[i].NodeID < transcript.Verdicts[j].NodeID
	})
	transcript.CompletedAt = time.Now().UTC()

	if transcript.ValidCount < e.cfg.QuorumFloor {
		transcript.Approved = false
		transcript.Reason = ReasonInsufficientNodes
		e.logger.Warn("consensus below quorum",
			slog.Int("valid", transcript.ValidCount),
			slog.Int("floor", e.cfg.QuorumFloor),
		)
		return transcript, nil
	}

	// Strict two-thirds supermajority over valid nodes, matching the
	// on-ledger check.
	transcript.Approved = 3*transcript.ApprovalCount > 2*transcript.ValidCount
	if !transcript.Approved {
		transcript.Reason = fmt.Sprintf("supermajority not reached: %d of %d valid nodes approved",
			transcript.ApprovalCount, transcript.ValidCount)
		return transcript, nil
	}

	e.aggregate(transcript)

	e.logger.Info("consensus approved",
		slog.Uint64("request_id", req.ID),
		slog.Int("approvals", transcript.ApprovalCount),
		slog.Int("valid", transcript.ValidCount),
		slog.String("aid_class", transcript.AidClass.String()),
		slog.String("fulfiller", transcript.FulfillerClass.String()),
		slog.Uint64("cost", transcript.EstimatedCost),
	)

	return transcript, nil
}

// askNode runs one panel leg with its own deadline; any failure, including a
// malformed verdict, records the node as invalid rather than failing the run.
func (e *Engine) askNode(ctx context.Context, n Node, prompt string) models.NodeVerdict {
	verdict := models.NodeVerdict{NodeID: n.ID(), Model: n.Model()}

	nctx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	start := time.Now()
	answer, err := n.Ask(nctx, prompt)
	verdict.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		e.logger.Warn("consensus node failed",
			slog.String("node", n.ID()),
			slog.String("error", err.Error()),
		)
		return verdict
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(StripCodeFences(answer)), &raw); err != nil {
		e.logger.Warn("consensus node returned unparseable verdict",
			slog.String("node", n.ID()),
			slog.String("error", err.Error()),
		)
		return verdict
	}
	if raw.RecommendedAid < 0 || !models.AidClass(raw.RecommendedAid).Valid() ||
		(raw.FulfillerType != 0 && raw.FulfillerType != 1) ||
		raw.Confidence < 0 || raw.Confidence > 100 {
		e.logger.Warn("consensus node verdict out of range", slog.String("node", n.ID()))
		return verdict
	}

	verdict.Valid = true
	verdict.Approved = raw.Approved
	verdict.Reason = raw.Reason
	verdict.RecommendedAid = models.AidClass(raw.RecommendedAid)
	verdict.FulfillerClass = models.FulfillerClass(raw.FulfillerType)
	verdict.EstimatedCost = raw.EstimatedCost
	verdict.Confidence = raw.Confidence
	verdict.PriorityScore = raw.PriorityScore
	return verdict
}

// aggregate fills the chosen aid class, fulfiller class, cost and confidence
// from the approving verdicts only.
func (e *Engine) aggregate(t *models.ConsensusTranscript) {
	var approving []models.NodeVerdict
	for _, v := range t.Verdicts {
		if v.Valid && v.Approved {
			approving = append(approving, v)
		}
	}

	// Plurality over categorical labels; ties break to the lowest numeric
	// class so the outcome is deterministic.
	aidVotes := make(map[models.AidClass]int)
	fulfillerVotes := make(map[models.FulfillerClass]int)
	costs := make([]uint64, 0, len(approving))
	confidenceSum := 0
	for _, v := range approving {
		aidVotes[v.RecommendedAid]++
		fulfillerVotes[v.FulfillerClass]++
		costs = append(costs, v.EstimatedCost)
		confidenceSum += v.Confidence
	}

	t.AidClass = pluralityAid(aidVotes)
	t.FulfillerClass = pluralityFulfiller(fulfillerVotes)
	t.EstimatedCost = lowerMedian(costs)
	if len(approving) > 0 {
		t.AvgConfidence = float64(confidenceSum) / float64(len(approving))
	}
}

func pluralityAid(votes map[models.AidClass]int) models.AidClass {
	best, bestVotes := models.AidClass(0), -1
	for class := models.AidMedical; class <= models.AidEvacuation; class++ {
		if n := votes[class]; n > bestVotes {
			best, bestVotes = class, n
		}
	}
	return best
}

func pluralityFulfiller(votes map[models.FulfillerClass]int) models.FulfillerClass {
	if votes[models.FulfillerHuman] > votes[models.FulfillerAerial] {
		return models.FulfillerHuman
	}
	return models.FulfillerAerial
}

// lowerMedian returns the median cost, taking the lower of the two middle
// values for even counts. Median rather than mean: dollar estimates from
// LLMs vary by an order of magnitude and a mean is trivially skewed.
func lowerMedian(costs []uint64) uint64 {
	if len(costs) == 0 {
		return 0
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i] < costs[j] })
	return costs[(len(costs)-1)/2]
}

// --- OpenAI-compatible chat node ---

// chatNode talks to an OpenAI-compatible chat completions endpoint.
type chatNode struct {
	name       string
	model      string
	url        string
	apiKey     string
	persona    string
	httpClient *http.Client
}

// NewChatNode creates a panel node for an OpenAI-compatible endpoint.
func NewChatNode(cfg config.ConsensusNodeConfig, timeout time.Duration) Node {
	persona := cfg.Persona
	if p, ok := DefaultPersonas[cfg.Name]; ok && persona == "" {
		persona = p
	}
	return &chatNode{
		name:       cfg.Name,
		model:      cfg.Model,
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		persona:    persona,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *chatNode) ID() string    { return n.name }
func (n *chatNode) Model() string { return n.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (n *chatNode) Ask(ctx context.Context, prompt string) (string, error) {
	messages := []chatMessage{}
	if n.persona != "" {
		messages = append(messages, chatMessage{Role: "system", Content: n.persona})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(map[string]any{
		"model":       n.model,
		"messages":    messages,
		"temperature": 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.url+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("malformed chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat response had no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// NodesFromConfig builds the panel declared in configuration.
func NodesFromConfig(cfg config.ConsensusConfig) []Node {
	nodes := make([]Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		nodes = append(nodes, NewChatNode(nc, cfg.NodeTimeout))
	}
	return nodes
}
