package exec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Places fill-or-kill orders on the CLOB. Orders are EIP-712 signed with the
// wallet key; requests carry L2 HMAC headers derived from the API secret.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Client places orders for one wallet
type Client struct {
	http       *resty.Client
	signer     *OrderSigner
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

type orderResponse struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"orderID"`
	Status    string `json:"status"`
	ErrorMsg  string `json:"errorMsg"`
	ErrorCode string `json:"error"`
}

// NewClient creates a CLOB client from the wallet key and API credentials
func NewClient(cfg config.ClobConfig, privateKey string) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.URL, "/")).
			SetTimeout(15 * time.Second).
			SetHeader("Content-Type", "application/json"),
		signer:     NewOrderSigner(key, cfg.FunderAddress, cfg.SignatureType),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		now:        time.Now,
	}

	log.Info().
		Str("address", c.signer.Address().Hex()).
		Str("clob", cfg.URL).
		Msg("🚀 Execution client initialized")

	return c, nil
}

// PlaceOrder submits a FOK order for size shares at price. side is BUY or SELL.
func (c *Client) PlaceOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side string) (string, error) {
	sideCode := SideBuy
	if side == "SELL" {
		sideCode = SideSell
	}

	order, err := c.signer.BuildOrder(tokenID, sideCode, price.Round(2), size)
	if err != nil {
		return "", err
	}
	signed, err := c.signer.Sign(order)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}

	body, err := json.Marshal(signed.payload(c.apiKey, "FOK"))
	if err != nil {
		return "", err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.l2Headers("POST", "/order", body)).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/order")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("HTTP %d: %s %s", resp.StatusCode(), result.ErrorCode, result.ErrorMsg)
	}
	if !result.Success && result.ErrorMsg != "" {
		return "", fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("side", side).
		Str("price", price.StringFixed(2)).
		Str("size", size.StringFixed(2)).
		Msg("✅ Order placed")

	return result.OrderID, nil
}

// l2Headers signs timestamp+method+path+body with the url-safe base64 secret
func (c *Client) l2Headers(method, path string, body []byte) map[string]string {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	message := timestamp + method + path + string(body)

	mac := hmac.New(sha256.New, decodeSecret(c.apiSecret))
	mac.Write([]byte(message))

	return map[string]string{
		"POLY_ADDRESS":    c.signer.Address().Hex(),
		"POLY_API_KEY":    c.apiKey,
		"POLY_PASSPHRASE": c.passphrase,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
	}
}

func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.RawURLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b
	}
	return []byte(secret)
}
