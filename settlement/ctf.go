package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cyclebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CTF CLIENT - redeemPositions on the Conditional Token Framework
// ═══════════════════════════════════════════════════════════════════════════════
//
// Winning outcome tokens are burned for collateral once the condition has
// resolved. Nonce lookup and broadcast are serialized per signing key.
// A claim whose broadcast errored is re-sent as the same signed transaction
// on the next attempt, so an ambiguous failure can never mint a second nonce.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	redeemGasLimit  = uint64(250_000)
	receiptInterval = 3 * time.Second
)

// ErrReverted means the transaction was mined with a failed status
var ErrReverted = errors.New("transaction reverted on-chain")

var ctfABI abi.ABI

func init() {
	var err error
	ctfABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "redeemPositions",
			"type": "function",
			"inputs": [
				{"name": "collateralToken", "type": "address"},
				{"name": "parentCollectionId", "type": "bytes32"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "indexSets", "type": "uint256[]"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}
}

// chainBackend is the subset of ethclient.Client the CTF client uses
type chainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// CTFClient signs and sends redeemPositions transactions
type CTFClient struct {
	mu       sync.Mutex
	backend  chainBackend
	key      *ecdsa.PrivateKey
	address  common.Address
	ctf      common.Address
	chainID  *big.Int
	interval time.Duration

	// signed claims whose broadcast returned an error, by condition
	unsent map[[32]byte]*gethtypes.Transaction
}

// NewCTFClient dials the RPC endpoint and loads the signing key
func NewCTFClient(ctx context.Context, cfg config.ChainConfig) (*CTFClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ctf: invalid private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ctf: dial rpc: %w", err)
	}

	c := newCTFClient(client, key, cfg)
	log.Info().
		Str("address", c.address.Hex()).
		Str("ctf", c.ctf.Hex()).
		Int64("chain_id", cfg.ChainID).
		Msg("⛓️ CTF client connected")
	return c, nil
}

func newCTFClient(backend chainBackend, key *ecdsa.PrivateKey, cfg config.ChainConfig) *CTFClient {
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = 137
	}
	return &CTFClient{
		backend:  backend,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		ctf:      common.HexToAddress(cfg.CTFAddress),
		chainID:  big.NewInt(chainID),
		interval: receiptInterval,
		unsent:   make(map[[32]byte]*gethtypes.Transaction),
	}
}

// Address returns the signing wallet
func (c *CTFClient) Address() common.Address {
	return c.address
}

// RedeemPositions broadcasts the claim and returns a handle to await its receipt
func (c *CTFClient) RedeemPositions(ctx context.Context, collateral common.Address, parent, condition [32]byte, indexSets []*big.Int) (PendingTx, error) {
	data, err := ctfABI.Pack("redeemPositions", collateral, parent, condition, indexSets)
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.unsent[condition]; ok {
		return c.resend(ctx, condition, prev)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	// +10% for faster inclusion
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(11)), big.NewInt(10))

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.address,
		To:       &c.ctf,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		log.Warn().Err(err).Uint64("limit", redeemGasLimit).Msg("⚠️ Gas estimate failed, using default")
		gas = redeemGasLimit
	}
	gas = gas * 12 / 10

	tx := gethtypes.NewTransaction(nonce, c.ctf, big.NewInt(0), gas, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.unsent[condition] = signed
		return nil, fmt.Errorf("send tx %s: %w", signed.Hash().Hex(), err)
	}

	log.Info().
		Str("condition", common.Hash(condition).Hex()).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Msg("📨 Redeem transaction sent")

	return &pendingTx{backend: c.backend, hash: signed.Hash(), interval: c.interval}, nil
}

// resend rebroadcasts a claim whose earlier send errored. The node may
// already hold or have mined it, both of which count as sent.
func (c *CTFClient) resend(ctx context.Context, condition [32]byte, tx *gethtypes.Transaction) (PendingTx, error) {
	pending := &pendingTx{backend: c.backend, hash: tx.Hash(), interval: c.interval}

	if _, err := c.backend.TransactionReceipt(ctx, tx.Hash()); err == nil {
		delete(c.unsent, condition)
		return pending, nil
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil && !alreadyKnown(err) {
		return nil, fmt.Errorf("resend tx %s: %w", tx.Hash().Hex(), err)
	}
	delete(c.unsent, condition)

	log.Info().
		Str("condition", common.Hash(condition).Hex()).
		Str("tx", tx.Hash().Hex()).
		Uint64("nonce", tx.Nonce()).
		Msg("📨 Redeem transaction re-sent")
	return pending, nil
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

type pendingTx struct {
	backend  chainBackend
	hash     common.Hash
	interval time.Duration
}

func (p *pendingTx) Hash() string {
	return p.hash.Hex()
}

// Wait polls for the receipt until mined or ctx ends
func (p *pendingTx) Wait(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await receipt %s: %w", p.hash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("%s: %w", p.hash.Hex(), ErrReverted)
			}
			return nil
		}
	}
}
