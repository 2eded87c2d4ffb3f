package exec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EIP-712 ORDER SIGNING - Polymarket CTF Exchange
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolygonChainID     = 137
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
)

// Order sides as encoded in the signed struct
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// usdc and outcome shares both use 6 decimals on-chain
var tokenUnit = decimal.New(1, 6)

// CTFOrder is the struct the exchange verifies
type CTFOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedOrder pairs an order with its hex signature
type SignedOrder struct {
	Order     *CTFOrder
	Signature string
}

// OrderSigner builds and signs exchange orders for one wallet
type OrderSigner struct {
	privateKey    *ecdsa.PrivateKey
	signer        common.Address
	funder        common.Address
	exchange      common.Address
	chainID       int64
	signatureType uint8
}

// NewOrderSigner creates a signer; an empty funder means the signer holds the funds
func NewOrderSigner(key *ecdsa.PrivateKey, funder string, signatureType int) *OrderSigner {
	s := &OrderSigner{
		privateKey:    key,
		signer:        crypto.PubkeyToAddress(key.PublicKey),
		exchange:      common.HexToAddress(CTFExchangeAddress),
		chainID:       PolygonChainID,
		signatureType: uint8(signatureType),
	}
	s.funder = s.signer
	if funder != "" {
		s.funder = common.HexToAddress(funder)
	}
	return s
}

// Address returns the signing address
func (s *OrderSigner) Address() common.Address {
	return s.signer
}

// BuildOrder converts price and share size into maker/taker amounts.
// BUY gives collateral for shares, SELL gives shares for collateral.
func (s *OrderSigner) BuildOrder(tokenID string, side uint8, price, size decimal.Decimal) (*CTFOrder, error) {
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	if !price.IsPositive() || !size.IsPositive() {
		return nil, fmt.Errorf("price and size must be positive")
	}

	collateral := size.Mul(price).Truncate(4)
	shares := size.Round(4)

	maker, taker := collateral, shares
	if side == SideSell {
		maker, taker = shares, collateral
	}

	return &CTFOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         s.funder,
		Signer:        s.signer,
		Taker:         common.Address{},
		TokenID:       token,
		MakerAmount:   maker.Mul(tokenUnit).BigInt(),
		TakerAmount:   taker.Mul(tokenUnit).BigInt(),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          side,
		SignatureType: s.signatureType,
	}, nil
}

// Sign produces the EIP-712 signature for an order
func (s *OrderSigner) Sign(order *CTFOrder) (*SignedOrder, error) {
	typed := s.typedData(order)

	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := append([]byte("\x19\x01"), domainSeparator...)
	raw = append(raw, messageHash...)
	sig, err := crypto.Sign(crypto.Keccak256(raw), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &SignedOrder{Order: order, Signature: fmt.Sprintf("0x%x", sig)}, nil
}

func (s *OrderSigner) typedData(order *CTFOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// payload is the POST /order body; owner is the API key, not the maker
func (o *SignedOrder) payload(apiKey, orderType string) map[string]any {
	side := "BUY"
	if o.Order.Side == SideSell {
		side = "SELL"
	}
	return map[string]any{
		"order": map[string]any{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          side,
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": orderType,
		"postOnly":  false,
	}
}
