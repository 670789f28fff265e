package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// evmAdapter drives the AidEscrow contract over a standard JSON-RPC backend.
type evmAdapter struct {
	backend  Backend
	contract common.Address
	parsed   abi.ABI
	chainID  *big.Int

	oracleKey  *ecdsa.PrivateKey
	oracleAddr common.Address

	rpcTimeout    time.Duration
	confirmations uint64
	retry         RetryPolicy
	logger        *slog.Logger

	// writeMu serialises writes so nonces never race. One in-flight
	// transaction per oracle key.
	writeMu sync.Mutex
}

// DialBackend connects to the configured RPC endpoint. The adapter and the
// event poller share the connection.
func DialBackend(ctx context.Context, cfg config.LedgerConfig) (Backend, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	return client, nil
}

// New builds an adapter over an existing backend.
func New(backend Backend, cfg config.LedgerConfig, logger *slog.Logger) (Adapter, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}

	a := &evmAdapter{
		backend:       backend,
		contract:      common.HexToAddress(cfg.EscrowContract),
		parsed:        parsed,
		chainID:       big.NewInt(cfg.ChainID),
		rpcTimeout:    cfg.RPCTimeout,
		confirmations: cfg.Confirmations,
		retry:         RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
		logger:        logger,
	}
	if a.confirmations == 0 {
		a.confirmations = 1
	}
	if a.retry.Attempts == 0 {
		a.retry = DefaultRetryPolicy()
	}

	if cfg.OracleKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OracleKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid oracle key: %w", err)
		}
		a.oracleKey = key
		a.oracleAddr = crypto.PubkeyToAddress(key.PublicKey)
		logger.Info("ledger writes enabled", slog.String("oracle", a.oracleAddr.Hex()))
	} else {
		logger.Warn("no oracle key provisioned; ledger writes disabled")
	}

	return a, nil
}

// --- reads ---

func (a *evmAdapter) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := withRetry(ctx, a.retry, func() ([]byte, error) {
		cctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
		defer cancel()
		return a.backend.CallContract(cctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := a.parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func (a *evmAdapter) GetRequest(ctx context.Context, id uint64) (*models.AidRequest, error) {
	out, err := a.call(ctx, "getRequest", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}

	req := &models.AidRequest{
		ID:            id,
		Requester:     out[0].(common.Address).Hex(),
		AidClass:      models.AidClass(out[1].(uint8)),
		Urgency:       models.Urgency(out[2].(uint8)),
		Lat:           out[3].(int64),
		Lng:           out[4].(int64),
		DetailsDigest: out[5].([32]byte),
		Status:        models.RequestStatus(out[6].(uint8)),
		CreatedAt:     time.Unix(out[7].(*big.Int).Int64(), 0).UTC(),
	}
	return req, nil
}

func (a *evmAdapter) GetUserRequests(ctx context.Context, addr common.Address) ([]uint64, error) {
	out, err := a.call(ctx, "getUserRequests", addr)
	if err != nil {
		return nil, err
	}
	raw := out[0].([]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

func (a *evmAdapter) GetRequestCount(ctx context.Context) (uint64, error) {
	out, err := a.call(ctx, "getRequestCount")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (a *evmAdapter) IsIdentityVerified(ctx context.Context, addr common.Address) (bool, error) {
	out, err := a.call(ctx, "isIdentityVerified", addr)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (a *evmAdapter) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	out, err := a.call(ctx, "getPoolStats")
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		Deposited: out[0].(*big.Int),
		Escrowed:  out[1].(*big.Int),
		PaidOut:   out[2].(*big.Int),
		Available: out[3].(*big.Int),
	}, nil
}

func (a *evmAdapter) GetApprovedFulfiller(ctx context.Context, class models.FulfillerClass) (common.Address, error) {
	out, err := a.call(ctx, "getApprovedFulfiller", uint8(class))
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// --- writes ---

func (a *evmAdapter) SubmitVerification(ctx context.Context, id uint64, gnssDigest, eventDigest [32]byte) (*WriteResult, error) {
	return a.write(ctx, "submitVerification", new(big.Int).SetUint64(id), gnssDigest, eventDigest)
}

func (a *evmAdapter) SubmitConsensus(ctx context.Context, id uint64, sub ConsensusSubmission) (*WriteResult, error) {
	cost := sub.EstimatedCost
	if cost == nil {
		cost = big.NewInt(0)
	}
	return a.write(ctx, "submitConsensus",
		new(big.Int).SetUint64(id), sub.Approved, uint8(sub.AidClass), uint8(sub.FulfillerClass),
		cost, sub.NodeCount, sub.ApprovalCount, sub.TranscriptDigest)
}

func (a *evmAdapter) AssignFulfiller(ctx context.Context, id uint64, fulfiller common.Address, escrowAmount *big.Int) (*WriteResult, error) {
	return a.write(ctx, "assignFulfiller", new(big.Int).SetUint64(id), fulfiller, escrowAmount)
}

func (a *evmAdapter) VerifyDelivery(ctx context.Context, id uint64, verified bool, digest [32]byte) (*WriteResult, error) {
	return a.write(ctx, "verifyDelivery", new(big.Int).SetUint64(id), verified, digest)
}

func (a *evmAdapter) ReleasePayout(ctx context.Context, id uint64) (*WriteResult, error) {
	return a.write(ctx, "releasePayout", new(big.Int).SetUint64(id))
}

func (a *evmAdapter) TimeoutRequest(ctx context.Context, id uint64) (*WriteResult, error) {
	return a.write(ctx, "timeoutRequest", new(big.Int).SetUint64(id))
}

// write packs, signs, broadcasts and confirms one contract call. The nonce
// is fetched once and reused across broadcast retries, so a retried
// transaction replaces itself rather than duplicating the write.
func (a *evmAdapter) write(ctx context.Context, method string, args ...any) (*WriteResult, error) {
	if a.oracleKey == nil {
		return nil, fault.Wrap(fault.Permanent, "write "+method, ErrWritesDisabled)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	data, err := a.parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	nonce, err := withRetry(ctx, a.retry, func() (uint64, error) {
		cctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
		defer cancel()
		return a.backend.PendingNonceAt(cctx, a.oracleAddr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	signedTx, err := a.buildAndSign(ctx, nonce, data)
	if err != nil {
		return nil, err
	}

	_, err = withRetry(ctx, a.retry, func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
		defer cancel()
		err := a.backend.SendTransaction(cctx, signedTx)
		// The node already holding this exact transaction means an
		// earlier broadcast attempt got through.
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			err = nil
		}
		return struct{}{}, err
	})
	if err != nil {
		if !isTransientRPC(err) {
			return nil, fault.Wrap(fault.Permanent, method+" rejected", err)
		}
		return nil, fmt.Errorf("failed to broadcast %s: %w", method, err)
	}

	result, err := a.awaitConfirmation(ctx, signedTx.Hash())
	if err != nil {
		return nil, fmt.Errorf("%s not confirmed: %w", method, err)
	}

	a.logger.Info("ledger write confirmed",
		slog.String("method", method),
		slog.String("tx", result.TxHash.Hex()),
		slog.Uint64("block", result.Block),
	)

	return result, nil
}

func (a *evmAdapter) buildAndSign(ctx context.Context, nonce uint64, data []byte) (*types.Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	tipCap, err := a.backend.SuggestGasTipCap(cctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip: %w", err)
	}
	head, err := a.backend.HeaderByNumber(cctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head: %w", err)
	}
	// feeCap = 2*baseFee + tip leaves headroom for base-fee movement while
	// the transaction waits for inclusion.
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)

	gasLimit, err := a.backend.EstimateGas(cctx, ethereum.CallMsg{
		From: a.oracleAddr,
		To:   &a.contract,
		Data: data,
	})
	if err != nil {
		// Estimation failures are usually reverts; classify and surface.
		if !isTransientRPC(err) {
			return nil, fault.Wrap(fault.Permanent, "gas estimation reverted", err)
		}
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit + gasLimit/5, // 20% headroom
		To:        &a.contract,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.oracleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signedTx, nil
}

// awaitConfirmation polls for the receipt and then waits until the required
// confirmation depth is reached.
func (a *evmAdapter) awaitConfirmation(ctx context.Context, txHash common.Hash) (*WriteResult, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		r, err := a.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			continue // not mined yet
		}
		receipt = r
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fault.Newf(fault.Permanent, "transaction %s reverted", txHash.Hex())
	}

	mined := receipt.BlockNumber.Uint64()
	for {
		head, err := a.backend.BlockNumber(ctx)
		if err == nil && head+1 >= mined+a.confirmations {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return &WriteResult{TxHash: txHash, Block: mined}, nil
}
