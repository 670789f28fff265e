package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aidchain/orchestrator/internal/ledger"
)

// ErrBadSignature is returned when a login signature does not recover to
// the claimed address.
var ErrBadSignature = errors.New("signature does not match address")

// LoginResult carries the issued session.
type LoginResult struct {
	Token     string `json:"token"`
	Address   string `json:"address"`
	Verified  bool   `json:"verified"`
	ExpiresIn int64  `json:"expires_in"`
}

// AuthService authenticates wallet owners by personal-sign signature and
// issues session tokens.
type AuthService interface {
	Login(ctx context.Context, address, signature, message string) (*LoginResult, error)
}

type authService struct {
	tokens TokenService
	ledger ledger.Adapter
	logger *slog.Logger
}

// NewAuthService creates the signature-login service.
func NewAuthService(tokens TokenService, adapter ledger.Adapter, logger *slog.Logger) AuthService {
	return &authService{tokens: tokens, ledger: adapter, logger: logger}
}

// Login verifies that signature is the personal-sign of message by address,
// reads the identity registry, and issues a bearer token.
func (s *authService) Login(ctx context.Context, address, signature, message string) (*LoginResult, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	claimed := common.HexToAddress(address)

	recovered, err := recoverSigner(message, signature)
	if err != nil {
		return nil, err
	}
	if recovered != claimed {
		return nil, ErrBadSignature
	}

	verified, err := s.ledger.IsIdentityVerified(ctx, claimed)
	if err != nil {
		// Identity lookup failing should not lock users out of read
		// access; the token just carries verified=false.
		s.logger.Warn("identity lookup failed during login",
			slog.String("address", claimed.Hex()),
			slog.String("error", err.Error()),
		)
		verified = false
	}

	token, expiresIn, err := s.tokens.Issue(claimed.Hex(), verified, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("login",
		slog.String("address", claimed.Hex()),
		slog.Bool("verified", verified),
	)

	return &LoginResult{
		Token:     token,
		Address:   claimed.Hex(),
		Verified:  verified,
		ExpiresIn: expiresIn,
	}, nil
}

// recoverSigner recovers the address that personal-signed message.
func recoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Wallets produce V as 27/28; recovery wants 0/1.
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	hash := accountsTextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// accountsTextHash is the EIP-191 personal-sign digest.
func accountsTextHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}
