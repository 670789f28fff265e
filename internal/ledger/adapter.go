// Package ledger is the typed adapter between the orchestrator and the
// on-ledger escrow/registry contracts. It owns the oracle signing key, the
// retry policy for transient RPC faults, and the event poll loop. The ledger,
// not this adapter, is the source of truth for funds and request status.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aidchain/orchestrator/internal/models"
)

// ErrWritesDisabled is returned from every write when no oracle key was
// provisioned at startup.
var ErrWritesDisabled = errors.New("ledger writes disabled: no oracle key provisioned")

// PoolStats is the fund pool snapshot, in stablecoin minor units (6 dp).
type PoolStats struct {
	Deposited *big.Int
	Escrowed  *big.Int
	PaidOut   *big.Int
	Available *big.Int
}

// WriteResult reports a confirmed ledger write.
type WriteResult struct {
	TxHash common.Hash
	Block  uint64
}

// ConsensusSubmission carries the fields the ledger accepts for a consensus
// verdict. The transcript itself stays off-ledger; only its digest anchors.
type ConsensusSubmission struct {
	Approved         bool
	AidClass         models.AidClass
	FulfillerClass   models.FulfillerClass
	EstimatedCost    *big.Int
	NodeCount        uint8
	ApprovalCount    uint8
	TranscriptDigest [32]byte
}

// Adapter is the narrow read/write interface over the escrow and registry
// contracts. One read per entity, one write per transition.
type Adapter interface {
	GetRequest(ctx context.Context, id uint64) (*models.AidRequest, error)
	GetUserRequests(ctx context.Context, addr common.Address) ([]uint64, error)
	GetRequestCount(ctx context.Context) (uint64, error)
	IsIdentityVerified(ctx context.Context, addr common.Address) (bool, error)
	GetPoolStats(ctx context.Context) (*PoolStats, error)
	GetApprovedFulfiller(ctx context.Context, class models.FulfillerClass) (common.Address, error)

	SubmitVerification(ctx context.Context, id uint64, gnssDigest, eventDigest [32]byte) (*WriteResult, error)
	SubmitConsensus(ctx context.Context, id uint64, sub ConsensusSubmission) (*WriteResult, error)
	AssignFulfiller(ctx context.Context, id uint64, fulfiller common.Address, escrowAmount *big.Int) (*WriteResult, error)
	VerifyDelivery(ctx context.Context, id uint64, verified bool, digest [32]byte) (*WriteResult, error)
	ReleasePayout(ctx context.Context, id uint64) (*WriteResult, error)
	TimeoutRequest(ctx context.Context, id uint64) (*WriteResult, error)
}

// Backend is the slice of the Ethereum JSON-RPC surface the adapter needs.
// ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}
