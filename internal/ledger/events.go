package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
)

// Event is one decoded escrow contract event.
type Event interface {
	Block() uint64
}

// AidRequestedEvent fires when a requester escrows a new aid request. It is
// the pipeline's sole intake signal.
type AidRequestedEvent struct {
	RequestID uint64
	Requester common.Address
	AidClass  models.AidClass
	Urgency   models.Urgency
	Lat       int64
	Lng       int64
	AtBlock   uint64
}

func (e AidRequestedEvent) Block() uint64 { return e.AtBlock }

// PayoutReleasedEvent fires when escrowed funds settle to a fulfiller.
type PayoutReleasedEvent struct {
	RequestID uint64
	Fulfiller common.Address
	Amount    *big.Int
	AtBlock   uint64
}

func (e PayoutReleasedEvent) Block() uint64 { return e.AtBlock }

// RequestTimedOutEvent fires when a request is refunded after the delivery
// window lapsed.
type RequestTimedOutEvent struct {
	RequestID uint64
	AtBlock   uint64
}

func (e RequestTimedOutEvent) Block() uint64 { return e.AtBlock }

// DeliveryFailedEvent fires when a delivery proof was rejected on-ledger.
type DeliveryFailedEvent struct {
	RequestID uint64
	AtBlock   uint64
}

func (e DeliveryFailedEvent) Block() uint64 { return e.AtBlock }

// Poller tails the escrow contract's logs and emits decoded events in block
// order. The cursor store makes restarts resume where the last run stopped.
type Poller struct {
	backend  Backend
	contract common.Address
	parsed   abi.ABI
	cursors  CursorStore
	interval time.Duration
	logger   *slog.Logger

	out  chan Event
	done chan struct{}
}

// NewPoller builds a poller over the same backend the adapter uses.
func NewPoller(backend Backend, cfg config.LedgerConfig, cursors CursorStore, logger *slog.Logger) (*Poller, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, err
	}
	return &Poller{
		backend:  backend,
		contract: common.HexToAddress(cfg.EscrowContract),
		parsed:   parsed,
		cursors:  cursors,
		interval: cfg.PollInterval,
		logger:   logger,
		out:      make(chan Event, 256),
		done:     make(chan struct{}),
	}, nil
}

// Events is the decoded event stream. It closes after Run returns.
func (p *Poller) Events() <-chan Event {
	return p.out
}

// Run polls until ctx is cancelled, then persists the cursor and closes the
// event channel. Intended to run in its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)
	defer close(p.out)

	cursor, err := p.resumeCursor(ctx)
	if err != nil {
		p.logger.Error("poller failed to establish cursor", slog.String("error", err.Error()))
		return
	}
	p.logger.Info("ledger poller started", slog.Uint64("cursor", cursor))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.persistCursor(cursor)
			return
		case <-ticker.C:
		}

		next, err := p.poll(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				p.persistCursor(cursor)
				return
			}
			p.logger.Warn("ledger poll failed", slog.String("error", err.Error()))
			continue
		}
		if next != cursor {
			cursor = next
			p.persistCursor(cursor)
		}
	}
}

// Done is closed once Run has fully stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// resumeCursor loads the persisted cursor, or starts at the current head so
// a fresh deployment does not replay the whole chain.
func (p *Poller) resumeCursor(ctx context.Context) (uint64, error) {
	if block, ok, err := p.cursors.Load(ctx); err != nil {
		return 0, err
	} else if ok {
		return block, nil
	}
	return p.backend.BlockNumber(ctx)
}

func (p *Poller) persistCursor(block uint64) {
	// Cursor persistence must outlive the run context on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cursors.Save(ctx, block); err != nil {
		p.logger.Warn("failed to persist poll cursor", slog.String("error", err.Error()))
	}
}

// poll scans (cursor, head] and emits every decoded event, returning the new
// cursor position.
func (p *Poller) poll(ctx context.Context, cursor uint64) (uint64, error) {
	head, err := p.backend.BlockNumber(ctx)
	if err != nil {
		return cursor, err
	}
	if head <= cursor {
		return cursor, nil
	}

	logs, err := p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(cursor + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{p.contract},
	})
	if err != nil {
		return cursor, err
	}

	for _, lg := range logs {
		event, err := p.decode(lg)
		if err != nil {
			p.logger.Warn("skipping undecodable log",
				slog.Uint64("block", lg.BlockNumber),
				slog.String("error", err.Error()),
			)
			continue
		}
		if event == nil {
			continue // unrecognized topic, not ours to handle
		}
		select {
		case p.out <- event:
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
	}

	return head, nil
}

func (p *Poller) decode(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	switch lg.Topics[0] {
	case p.parsed.Events["AidRequested"].ID:
		vals := make(map[string]any)
		if err := p.parsed.UnpackIntoMap(vals, "AidRequested", lg.Data); err != nil {
			return nil, err
		}
		return AidRequestedEvent{
			RequestID: lg.Topics[1].Big().Uint64(),
			Requester: common.BytesToAddress(lg.Topics[2].Bytes()),
			AidClass:  models.AidClass(vals["aidClass"].(uint8)),
			Urgency:   models.Urgency(vals["urgency"].(uint8)),
			Lat:       vals["lat"].(int64),
			Lng:       vals["lng"].(int64),
			AtBlock:   lg.BlockNumber,
		}, nil

	case p.parsed.Events["PayoutReleased"].ID:
		vals := make(map[string]any)
		if err := p.parsed.UnpackIntoMap(vals, "PayoutReleased", lg.Data); err != nil {
			return nil, err
		}
		return PayoutReleasedEvent{
			RequestID: lg.Topics[1].Big().Uint64(),
			Fulfiller: common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:    vals["amount"].(*big.Int),
			AtBlock:   lg.BlockNumber,
		}, nil

	case p.parsed.Events["RequestTimedOut"].ID:
		return RequestTimedOutEvent{
			RequestID: lg.Topics[1].Big().Uint64(),
			AtBlock:   lg.BlockNumber,
		}, nil

	case p.parsed.Events["DeliveryFailed"].ID:
		return DeliveryFailedEvent{
			RequestID: lg.Topics[1].Big().Uint64(),
			AtBlock:   lg.BlockNumber,
		}, nil
	}

	return nil, nil
}
