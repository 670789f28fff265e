// Package pipeline owns the per-request state machine: eight ordered stages
// from intake to escrow settlement, one goroutine per active request. The
// registry is the only shared mutable structure; its lock is held for
// lookup, insert and delete, never across a remote call.
package pipeline

import (
	"sync"
	"time"

	"github.com/aidchain/orchestrator/internal/models"
)

// Stage identifies one step of the request pipeline.
type Stage int

const (
	StageRequest Stage = iota + 1
	StageGnssVerify
	StageEventVerify
	StageConsensus
	StageContract
	StageFulfillment
	StageAwaitingDelivery
	StageReceipt
	StageSettlement
)

var stageNames = map[Stage]string{
	StageRequest:          "request",
	StageGnssVerify:       "gnss_verify",
	StageEventVerify:      "event_verify",
	StageConsensus:        "consensus",
	StageContract:         "contract",
	StageFulfillment:      "fulfillment",
	StageAwaitingDelivery: "awaiting_delivery",
	StageReceipt:          "receipt",
	StageSettlement:       "settlement",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// StageTime is one completed stage with its completion instant.
type StageTime struct {
	Stage       string    `json:"stage"`
	CompletedAt time.Time `json:"completed_at"`
}

// Record is the transient in-memory state of one active pipeline. It exists
// only while the orchestrator drives the request; the ledger holds the
// durable record. Fields behind mu are read by HTTP handlers while the
// pipeline goroutine mutates them.
type Record struct {
	ID        uint64
	Requester string

	mu         sync.Mutex
	stage      Stage
	startedAt  time.Time
	stageTimes []StageTime
	lastErr    string

	Gnss         *models.GnssProofBundle
	Attestation  *models.EventAttestation
	Transcript   *models.ConsensusTranscript
	Proof        *models.DeliveryProof
	Verification *models.DeliveryVerification

	// delivery is the rendezvous between the webhook handler and the
	// pipeline goroutine. Buffered so the submitter never blocks.
	delivery chan models.DeliveryProof
}

func newRecord(id uint64, requester string) *Record {
	return &Record{
		ID:        id,
		Requester: requester,
		stage:     StageRequest,
		startedAt: time.Now().UTC(),
		delivery:  make(chan models.DeliveryProof, 1),
	}
}

func (r *Record) enterStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = s
}

func (r *Record) completeStage(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stageTimes = append(r.stageTimes, StageTime{Stage: s.String(), CompletedAt: time.Now().UTC()})
}

func (r *Record) setError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = msg
}

// StatusView is the handler-facing snapshot of a pipeline record.
type StatusView struct {
	RequestID    uint64      `json:"request_id"`
	CurrentStage string      `json:"current_stage"`
	ElapsedMs    int64       `json:"elapsed_ms"`
	Stages       []StageTime `json:"stages,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// View snapshots the record for concurrent readers.
func (r *Record) View() StatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]StageTime, len(r.stageTimes))
	copy(stages, r.stageTimes)
	return StatusView{
		RequestID:    r.ID,
		CurrentStage: r.stage.String(),
		ElapsedMs:    time.Since(r.startedAt).Milliseconds(),
		Stages:       stages,
		Error:        r.lastErr,
	}
}

// registry maps request id to active pipeline record.
type registry struct {
	mu      sync.Mutex
	records map[uint64]*Record
}

func newRegistry() *registry {
	return &registry{records: make(map[uint64]*Record)}
}

// insert registers a record; false when the request already has an active
// pipeline.
func (reg *registry) insert(rec *Record) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.records[rec.ID]; exists {
		return false
	}
	reg.records[rec.ID] = rec
	return true
}

func (reg *registry) get(id uint64) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.records[id]
	return rec, ok
}

func (reg *registry) remove(id uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.records, id)
}

func (reg *registry) all() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Record, 0, len(reg.records))
	for _, rec := range reg.records {
		out = append(out, rec)
	}
	return out
}
