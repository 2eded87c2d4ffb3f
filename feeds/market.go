package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/retry"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET CLIENT - Up/down window snapshots from the gamma API
// ═══════════════════════════════════════════════════════════════════════════════
//
// Windows use timestamp-based slugs: {asset}-updown-15m-{cycleStart}
// Example: btc-updown-15m-1767707100
//
// Every call runs under the retry policy and the rate limiter. On exhaustion
// the caller gets nil and skips the cycle for that asset.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrMalformedMarket is returned for payloads that fail validation
	ErrMalformedMarket = errors.New("malformed market")
	// ErrMarketNotFound means the gamma API has no event for the slug
	ErrMarketNotFound = errors.New("market not found")
)

// Resolution is the settled outcome of a window
type Resolution struct {
	Slug        string
	ConditionID string
	Winner      types.Direction
}

// MarketClient fetches window snapshots and resolutions
type MarketClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	policy  retry.Policy
}

// NewMarketClient creates a client against the configured gamma base URL
func NewMarketClient(cfg config.MarketConfig, policy retry.Policy) *MarketClient {
	ratePerSec := cfg.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.GammaURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "cyclebot/1.0")

	return &MarketClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		policy:  policy,
	}
}

// SlugFor builds the window slug for an asset and cycle start
func SlugFor(asset string, cycleStart int64) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), cycleStart)
}

// Snapshot fetches the current window for an asset. Returns nil when the
// market is unavailable.
func (c *MarketClient) Snapshot(ctx context.Context, asset string, now time.Time) *types.MarketSnapshot {
	cycleStart := types.CycleStart(now)
	slug := SlugFor(asset, cycleStart)

	ev, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*gammaEvent, error) {
		return c.fetchEvent(ctx, slug)
	})
	if err != nil {
		log.Warn().Str("asset", asset).Str("slug", slug).Err(err).Msg("⚠️ Market unavailable")
		return nil
	}

	snap, err := ev.snapshot(asset, cycleStart, now)
	if err != nil {
		log.Warn().Str("asset", asset).Str("slug", slug).Err(err).Msg("⚠️ Rejected market payload")
		return nil
	}
	return snap
}

// Resolution returns the settled outcome of a past window, or nil when it
// has not resolved yet or cannot be fetched
func (c *MarketClient) Resolution(ctx context.Context, asset string, cycleStart int64) *Resolution {
	return c.ResolveSlug(ctx, SlugFor(asset, cycleStart))
}

// ResolveSlug is Resolution keyed by slug
func (c *MarketClient) ResolveSlug(ctx context.Context, slug string) *Resolution {
	ev, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*gammaEvent, error) {
		return c.fetchEvent(ctx, slug)
	})
	if err != nil {
		log.Debug().Str("slug", slug).Err(err).Msg("Resolution unavailable")
		return nil
	}
	return ev.resolution()
}

func (c *MarketClient) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var events []gammaEvent
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500:
		return nil, fmt.Errorf("gamma %s: status %d", slug, resp.StatusCode())
	case resp.IsError():
		return nil, retry.Permanent(fmt.Errorf("gamma %s: status %d: %s", slug, resp.StatusCode(), resp.String()))
	}

	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, retry.Permanent(fmt.Errorf("%s: %w", slug, ErrMarketNotFound))
	}
	return &events[0], nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT
// ═══════════════════════════════════════════════════════════════════════════════

type gammaEvent struct {
	Slug    string        `json:"slug"`
	Active  bool          `json:"active"`
	Closed  bool          `json:"closed"`
	EndDate string        `json:"endDate"`
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID   string `json:"conditionId"`
	Outcomes      string `json:"outcomes"`      // JSON string ["Up","Down"]
	OutcomePrices string `json:"outcomePrices"` // JSON string ["0.51","0.49"]
	ClobTokenIds  string `json:"clobTokenIds"`
	Volume        string `json:"volume"`
	Closed        bool   `json:"closed"`
}

// prices returns (up, down) ordered by outcome label
func (m gammaMarket) prices() (decimal.Decimal, decimal.Decimal, error) {
	if m.OutcomePrices == "" || m.OutcomePrices == "null" {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no outcome prices", ErrMalformedMarket)
	}

	var raw []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &raw); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: outcomePrices: %v", ErrMalformedMarket, err)
	}
	if len(raw) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %d outcome prices", ErrMalformedMarket, len(raw))
	}

	parsed := make([]decimal.Decimal, 2)
	for i, s := range raw {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %q", ErrMalformedMarket, s)
		}
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %s outside [0,1]", ErrMalformedMarket, p)
		}
		parsed[i] = p
	}

	// Outcomes are normally ["Up","Down"]; swap if the API reverses them
	var outcomes []string
	if m.Outcomes != "" {
		if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil && len(outcomes) == 2 {
			if strings.EqualFold(outcomes[0], "down") || strings.EqualFold(outcomes[0], "no") {
				return parsed[1], parsed[0], nil
			}
		}
	}
	return parsed[0], parsed[1], nil
}

// tokens returns (up, down) CLOB token ids; empty when the API omits them
func (m gammaMarket) tokens() (string, string) {
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &ids); err != nil || len(ids) != 2 {
		return "", ""
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err == nil && len(outcomes) == 2 {
		if strings.EqualFold(outcomes[0], "down") || strings.EqualFold(outcomes[0], "no") {
			return ids[1], ids[0]
		}
	}
	return ids[0], ids[1]
}

func (e *gammaEvent) snapshot(asset string, cycleStart int64, now time.Time) (*types.MarketSnapshot, error) {
	m := e.Markets[0]
	if m.ConditionID == "" {
		return nil, fmt.Errorf("%w: empty condition id", ErrMalformedMarket)
	}

	up, down, err := m.prices()
	if err != nil {
		return nil, err
	}

	upToken, downToken := m.tokens()

	volume, err := decimal.NewFromString(m.Volume)
	if err != nil {
		volume = decimal.Zero
	}

	end := time.Unix(cycleStart+types.CycleSeconds, 0)
	if e.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, e.EndDate); err == nil {
			end = t
		}
	}
	remaining := end.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	return &types.MarketSnapshot{
		Asset:         asset,
		YesPrice:      up,
		NoPrice:       down,
		TimeRemaining: remaining,
		Volume:        volume,
		ConditionID:   m.ConditionID,
		Slug:          e.Slug,
		CycleStart:    cycleStart,
		FetchedAt:     now,
		UpTokenID:     upToken,
		DownTokenID:   downToken,
	}, nil
}

// resolution reports the winner once the window has closed at 1/0
func (e *gammaEvent) resolution() *Resolution {
	m := e.Markets[0]
	if !e.Closed && !m.Closed {
		return nil
	}
	up, down, err := m.prices()
	if err != nil {
		return nil
	}

	one := decimal.NewFromInt(1)
	var winner types.Direction
	switch {
	case up.Equal(one) && down.IsZero():
		winner = types.DirectionUp
	case down.Equal(one) && up.IsZero():
		winner = types.DirectionDown
	default:
		return nil
	}

	return &Resolution{
		Slug:        e.Slug,
		ConditionID: m.ConditionID,
		Winner:      winner,
	}
}
