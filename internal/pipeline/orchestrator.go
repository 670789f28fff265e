package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aidchain/orchestrator/internal/attest"
	"github.com/aidchain/orchestrator/internal/audit"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/fulfiller"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// ErrNoPendingRequest is returned when a requester starts a pipeline without
// a submitted on-ledger request awaiting one.
var ErrNoPendingRequest = fault.New(fault.Validation, "no submitted request awaiting a pipeline")

// ErrNotAwaitingDelivery is returned when a delivery proof arrives for a
// request that has no pipeline waiting on one.
var ErrNotAwaitingDelivery = errors.New("request is not awaiting delivery")

// Attester cross-references a position against disaster-data providers.
type Attester interface {
	VerifyEvent(ctx context.Context, q attest.Query) (*models.EventAttestation, error)
}

// ConsensusRunner runs the LLM panel over an attested request.
type ConsensusRunner interface {
	Run(ctx context.Context, req *models.AidRequest, proof *models.GnssProofBundle, att *models.EventAttestation) (*models.ConsensusTranscript, error)
}

// DeliveryVerifier checks a delivery proof against the request target.
type DeliveryVerifier interface {
	VerifyDelivery(requestID uint64, proof *models.DeliveryProof, targetLat, targetLng int64) *models.DeliveryVerification
}

// Deps are the orchestrator's collaborators, one per pipeline stage.
type Deps struct {
	Ledger     ledger.Adapter
	Gnss       gnss.Client
	Attest     Attester
	Consensus  ConsensusRunner
	Dispatcher fulfiller.Dispatcher
	Verifier   DeliveryVerifier
	Bus        *bus.Bus
	Audit      audit.Recorder
	Logger     *slog.Logger
}

// Orchestrator drives each aid request through the eight-stage pipeline,
// one goroutine per active request.
type Orchestrator struct {
	deps           Deps
	searchRadiusKm float64
	deliveryWindow time.Duration

	registry  *registry
	accepting atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds an orchestrator. Call Shutdown before process exit.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:           deps,
		searchRadiusKm: cfg.Attest.SearchRadiusKm,
		deliveryWindow: cfg.Pipeline.DeliveryTimeout,
		registry:       newRegistry(),
		stopCh:         make(chan struct{}),
	}
	o.accepting.Store(true)
	return o
}

// StartLatestForRequester finds the requester's newest on-ledger request
// still in Submitted status and starts its pipeline. Returns the request id.
func (o *Orchestrator) StartLatestForRequester(ctx context.Context, requester common.Address, in gnss.VerifyInput) (uint64, error) {
	ids, err := o.deps.Ledger.GetUserRequests(ctx, requester)
	if err != nil {
		return 0, fmt.Errorf("failed to list requests for %s: %w", requester.Hex(), err)
	}

	for i := len(ids) - 1; i >= 0; i-- {
		if _, active := o.registry.get(ids[i]); active {
			continue
		}
		req, err := o.deps.Ledger.GetRequest(ctx, ids[i])
		if err != nil {
			return 0, err
		}
		if req.Status != models.StatusSubmitted {
			continue
		}
		if err := o.Start(req, in); err != nil {
			return 0, err
		}
		return req.ID, nil
	}
	return 0, ErrNoPendingRequest
}

// Start creates the pipeline record for a submitted request and launches
// its goroutine.
func (o *Orchestrator) Start(req *models.AidRequest, in gnss.VerifyInput) error {
	if !o.accepting.Load() {
		return fault.New(fault.Validation, "orchestrator is shutting down")
	}
	if req.Status != models.StatusSubmitted {
		return fault.Newf(fault.Validation, "request %d is %s, not submitted", req.ID, req.Status)
	}

	rec := newRecord(req.ID, req.Requester)
	if !o.registry.insert(rec) {
		return fault.Newf(fault.Validation, "request %d already has an active pipeline", req.ID)
	}

	activePipelines.Inc()

	// The stage-1 event must be on the bus before the goroutine can emit
	// stage 2, so subscribers see this request's events in stage order.
	o.emit(rec.ID, StageRequest, bus.StatusCompleted, "pipeline started", nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer activePipelines.Dec()
		// Pipelines outlive the submitting HTTP request.
		o.run(context.Background(), rec, req, in)
	}()
	return nil
}

// SubmitDeliveryProof hands a proof to the pipeline waiting on it.
func (o *Orchestrator) SubmitDeliveryProof(requestID uint64, proof models.DeliveryProof) error {
	rec, ok := o.registry.get(requestID)
	if !ok {
		return ErrNotAwaitingDelivery
	}
	select {
	case rec.delivery <- proof:
		return nil
	default:
		return errors.New("delivery proof already submitted")
	}
}

// PipelineStatus returns a snapshot of one active pipeline.
func (o *Orchestrator) PipelineStatus(requestID uint64) (StatusView, bool) {
	rec, ok := o.registry.get(requestID)
	if !ok {
		return StatusView{}, false
	}
	return rec.View(), true
}

// ActivePipelines snapshots every in-flight pipeline.
func (o *Orchestrator) ActivePipelines() []StatusView {
	records := o.registry.all()
	views := make([]StatusView, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.View())
	}
	return views
}

// ConsumeLedgerEvents republishes poller events onto the bus so subscribers
// see settlement and timeout confirmations that originate on-ledger. The
// goroutine exits when the poller closes its channel, after Shutdown, so it
// is deliberately not part of the pipeline wait group.
func (o *Orchestrator) ConsumeLedgerEvents(events <-chan ledger.Event) {
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case ledger.AidRequestedEvent:
				o.emit(e.RequestID, StageRequest, bus.StatusPending, "request escrowed on-ledger", nil)
			case ledger.PayoutReleasedEvent:
				o.emit(e.RequestID, StageSettlement, bus.StatusCompleted, "payout released", map[string]any{
					"fulfiller": e.Fulfiller.Hex(),
					"amount":    e.Amount.String(),
				})
			case ledger.RequestTimedOutEvent:
				o.emit(e.RequestID, StageAwaitingDelivery, bus.StatusFailed, "request timed out on-ledger", nil)
			case ledger.DeliveryFailedEvent:
				o.emit(e.RequestID, StageReceipt, bus.StatusFailed, "delivery rejected on-ledger", nil)
			}
		}
	}()
}

// Shutdown stops intake, emits a final shutdown event per active pipeline,
// releases waiting pipelines, and waits for in-flight stages to finish or
// the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.accepting.Store(false)

	o.stopOnce.Do(func() {
		for _, rec := range o.registry.all() {
			o.emit(rec.ID, Stage(0), bus.StatusPending, "shutdown", nil)
		}
		close(o.stopCh)
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes stages 2 through 8 for one request. Stage 1 (record
// creation) already happened in Start.
func (o *Orchestrator) run(ctx context.Context, rec *Record, req *models.AidRequest, in gnss.VerifyInput) {
	logger := o.deps.Logger.With(slog.Uint64("request_id", req.ID))

	// Stage 2: GNSS location authentication.
	proof, err := runStage(o, rec, StageGnssVerify, func() (*models.GnssProofBundle, error) {
		return o.deps.Gnss.Verify(ctx, in)
	})
	if err != nil {
		o.deps.Audit.Record(ctx, audit.Artefact{
			RequestID: req.ID, Stage: StageGnssVerify.String(),
			Kind: "gnss_failure", Outcome: "failed", Payload: err.Error(),
		})
		o.terminate(rec, logger, StageGnssVerify, err)
		return
	}
	rec.Gnss = proof
	o.deps.Audit.Record(ctx, audit.Artefact{
		RequestID: req.ID, Stage: StageGnssVerify.String(),
		Kind: "gnss_proof", Outcome: "ok", Payload: proof,
	})

	// Stage 3: disaster-event attestation, then the combined verification
	// write anchoring both digests.
	att, err := runStage(o, rec, StageEventVerify, func() (*models.EventAttestation, error) {
		att, err := o.deps.Attest.VerifyEvent(ctx, attest.Query{
			Lat:          proof.Lat,
			Lng:          proof.Lng,
			ClaimedClass: req.AidClass.String(),
			RadiusKm:     o.searchRadiusKm,
		})
		if err != nil {
			return nil, err
		}
		if _, err := o.deps.Ledger.SubmitVerification(ctx, req.ID, proof.Digest(), att.Digest()); err != nil {
			return nil, err
		}
		return att, nil
	})
	if err != nil {
		o.deps.Audit.Record(ctx, audit.Artefact{
			RequestID: req.ID, Stage: StageEventVerify.String(),
			Kind: "event_failure", Outcome: "failed", Payload: err.Error(),
		})
		o.terminate(rec, logger, StageEventVerify, err)
		return
	}
	rec.Attestation = att
	o.deps.Audit.Record(ctx, audit.Artefact{
		RequestID: req.ID, Stage: StageEventVerify.String(),
		Kind: "event_attestation", Outcome: "ok", Payload: att,
	})

	// Stage 4: LLM panel consensus. Both outcomes are written on-ledger;
	// only rejection terminates the pipeline.
	transcript, err := runStage(o, rec, StageConsensus, func() (*models.ConsensusTranscript, error) {
		transcript, err := o.deps.Consensus.Run(ctx, req, proof, att)
		if err != nil {
			return nil, err
		}
		sub := ledger.ConsensusSubmission{
			Approved:         transcript.Approved,
			AidClass:         transcript.AidClass,
			FulfillerClass:   transcript.FulfillerClass,
			EstimatedCost:    new(big.Int).SetUint64(transcript.EstimatedCost),
			NodeCount:        uint8(transcript.NodeCount),
			ApprovalCount:    uint8(transcript.ApprovalCount),
			TranscriptDigest: transcript.Digest(),
		}
		if _, err := o.deps.Ledger.SubmitConsensus(ctx, req.ID, sub); err != nil {
			return nil, err
		}
		if !transcript.Approved {
			return nil, fault.New(fault.Attestation, transcript.Reason)
		}
		return transcript, nil
	})
	if err != nil {
		consensusOutcomes.WithLabelValues("rejected").Inc()
		o.terminate(rec, logger, StageConsensus, err)
		return
	}
	rec.Transcript = transcript
	consensusOutcomes.WithLabelValues("approved").Inc()
	o.deps.Audit.Record(ctx, audit.Artefact{
		RequestID: req.ID, Stage: StageConsensus.String(),
		Kind: "consensus_transcript", Outcome: "ok", Payload: transcript,
	})

	// Stage 5: escrow funding and fulfiller binding.
	fulfillerAddr, err := runStage(o, rec, StageContract, func() (common.Address, error) {
		addr, err := o.deps.Ledger.GetApprovedFulfiller(ctx, transcript.FulfillerClass)
		if err != nil {
			return common.Address{}, err
		}
		if addr == (common.Address{}) {
			return common.Address{}, fault.Newf(fault.Permanent, "no approved fulfiller for class %s", transcript.FulfillerClass)
		}
		escrow := new(big.Int).SetUint64(transcript.EstimatedCost)
		if _, err := o.deps.Ledger.AssignFulfiller(ctx, req.ID, addr, escrow); err != nil {
			return common.Address{}, err
		}
		return addr, nil
	})
	if err != nil {
		o.terminate(rec, logger, StageContract, err)
		return
	}

	// Stage 6: dispatch the delivery job.
	_, err = runStage(o, rec, StageFulfillment, func() (*fulfiller.DispatchResult, error) {
		return o.deps.Dispatcher.Dispatch(ctx, fulfiller.DispatchInput{
			RequestID:      req.ID,
			FulfillerClass: transcript.FulfillerClass,
			AidClass:       transcript.AidClass,
			Lat:            req.Lat,
			Lng:            req.Lng,
			EstimatedCost:  transcript.EstimatedCost,
		})
	})
	if err != nil {
		o.terminate(rec, logger, StageFulfillment, err)
		return
	}

	logger.Info("pipeline awaiting delivery",
		slog.String("fulfiller", fulfillerAddr.Hex()),
		slog.Duration("window", o.deliveryWindow),
	)

	proof2, ok := o.awaitDelivery(ctx, rec, logger)
	if !ok {
		return
	}
	rec.Proof = &proof2

	// Stage 7: verify the proof and anchor the verification.
	verification, err := runStage(o, rec, StageReceipt, func() (*models.DeliveryVerification, error) {
		verification := o.deps.Verifier.VerifyDelivery(req.ID, &proof2, req.Lat, req.Lng)
		if _, err := o.deps.Ledger.VerifyDelivery(ctx, req.ID, verification.Verified, verification.Digest()); err != nil {
			return nil, err
		}
		if !verification.Verified {
			return nil, fault.New(fault.Attestation, verification.Reason)
		}
		return verification, nil
	})
	if err != nil {
		deliveryOutcomes.WithLabelValues("rejected").Inc()
		o.terminate(rec, logger, StageReceipt, err)
		return
	}
	rec.Verification = verification
	deliveryOutcomes.WithLabelValues("verified").Inc()
	o.deps.Audit.Record(ctx, audit.Artefact{
		RequestID: req.ID, Stage: StageReceipt.String(),
		Kind: "delivery_verification", Outcome: "ok", Payload: verification,
	})

	// Stage 8: settlement.
	_, err = runStage(o, rec, StageSettlement, func() (*ledger.WriteResult, error) {
		return o.deps.Ledger.ReleasePayout(ctx, req.ID)
	})
	if err != nil {
		o.terminate(rec, logger, StageSettlement, err)
		return
	}

	logger.Info("pipeline settled", slog.Uint64("cost", transcript.EstimatedCost))
	o.registry.remove(rec.ID)
}

// awaitDelivery blocks until the fulfiller's proof arrives, the delivery
// window lapses, or the orchestrator shuts down.
func (o *Orchestrator) awaitDelivery(ctx context.Context, rec *Record, logger *slog.Logger) (models.DeliveryProof, bool) {
	rec.enterStage(StageAwaitingDelivery)
	o.emit(rec.ID, StageAwaitingDelivery, bus.StatusPending, "awaiting delivery proof", nil)

	timer := time.NewTimer(o.deliveryWindow)
	defer timer.Stop()

	select {
	case proof := <-rec.delivery:
		rec.completeStage(StageAwaitingDelivery)
		return proof, true

	case <-timer.C:
		logger.Warn("delivery window lapsed, refunding escrow")
		if _, err := o.deps.Ledger.TimeoutRequest(ctx, rec.ID); err != nil {
			logger.Error("failed to time out request on-ledger", slog.String("error", err.Error()))
		}
		rec.setError("delivery window lapsed")
		o.emit(rec.ID, StageAwaitingDelivery, bus.StatusFailed, "delivery window lapsed", nil)
		o.registry.remove(rec.ID)
		return models.DeliveryProof{}, false

	case <-o.stopCh:
		// The record stays on-ledger in its current state; the ledger's
		// own timeout rule protects the escrow.
		logger.Info("shutdown while awaiting delivery")
		o.registry.remove(rec.ID)
		return models.DeliveryProof{}, false
	}
}

// runStage wraps one stage: bus events, metrics, stage bookkeeping.
func runStage[T any](o *Orchestrator, rec *Record, s Stage, fn func() (T, error)) (T, error) {
	rec.enterStage(s)
	o.emit(rec.ID, s, bus.StatusStarted, "", nil)
	stagesStarted.WithLabelValues(s.String()).Inc()
	start := time.Now()

	out, err := fn()
	stageDuration.WithLabelValues(s.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		stagesFailed.WithLabelValues(s.String()).Inc()
		return out, err
	}

	rec.completeStage(s)
	stagesCompleted.WithLabelValues(s.String()).Inc()
	o.emit(rec.ID, s, bus.StatusCompleted, "", nil)
	return out, nil
}

// terminate ends a pipeline after a stage failure: log with the fault kind,
// publish the final error event, drop the record.
func (o *Orchestrator) terminate(rec *Record, logger *slog.Logger, s Stage, err error) {
	kind := fault.KindOf(err)
	rec.setError(err.Error())

	logger.Error("pipeline terminated",
		slog.String("stage", s.String()),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	o.emit(rec.ID, s, bus.StatusFailed, err.Error(), nil)
	o.registry.remove(rec.ID)
}

func (o *Orchestrator) emit(requestID uint64, s Stage, status bus.EventStatus, msg string, payload any) {
	stage := s.String()
	if s == Stage(0) {
		stage = "shutdown"
	}
	o.deps.Bus.Publish(bus.Event{
		RequestID: requestID,
		Stage:     stage,
		Status:    status,
		Message:   msg,
		Payload:   payload,
	})
}
