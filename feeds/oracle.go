package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORACLE FEED - Directional verdicts over websocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// Message format (single object or array):
//   {"asset":"BTC","prediction":"UP","confidence":0.82,"isLocked":false}
//
// Malformed verdicts are dropped at the boundary. Verdicts older than
// MaxAge read as absent. The reconnect handler fires on every connection
// after the first.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// ErrMalformedVerdict is returned for verdicts that fail validation
var ErrMalformedVerdict = errors.New("malformed verdict")

type verdictMessage struct {
	Asset      string   `json:"asset"`
	Prediction string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
	IsLocked   bool     `json:"isLocked"`
}

// ParseVerdicts decodes and validates one oracle message
func ParseVerdicts(data []byte, now time.Time) ([]types.Verdict, error) {
	var msgs []verdictMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg verdictMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
		}
		msgs = []verdictMessage{msg}
	}

	out := make([]types.Verdict, 0, len(msgs))
	for _, m := range msgs {
		v, err := m.verdict(now)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m verdictMessage) verdict(now time.Time) (types.Verdict, error) {
	asset := strings.ToUpper(strings.TrimSpace(m.Asset))
	if asset == "" {
		return types.Verdict{}, fmt.Errorf("%w: empty asset", ErrMalformedVerdict)
	}
	dir := types.Direction(strings.ToUpper(strings.TrimSpace(m.Prediction)))
	if !dir.Valid() {
		return types.Verdict{}, fmt.Errorf("%w: prediction %q", ErrMalformedVerdict, m.Prediction)
	}
	if m.Confidence == nil {
		return types.Verdict{}, fmt.Errorf("%w: missing confidence", ErrMalformedVerdict)
	}
	c := *m.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return types.Verdict{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedVerdict, c)
	}
	return types.Verdict{
		Asset:      asset,
		Prediction: dir,
		Confidence: c,
		IsLocked:   m.IsLocked,
		ReceivedAt: now,
	}, nil
}

// OracleFeed keeps the latest verdict per asset
type OracleFeed struct {
	mu sync.RWMutex

	wsURL      string
	maxAge     time.Duration
	retryDelay time.Duration
	conn       *websocket.Conn
	connected  bool
	running    bool
	dials      int
	stopCh     chan struct{}

	onReconnect func()

	verdicts map[string]types.Verdict
	now      func() time.Time
}

// NewOracleFeed creates a feed for the configured oracle URL
func NewOracleFeed(cfg config.OracleConfig) *OracleFeed {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &OracleFeed{
		wsURL:      cfg.URL,
		maxAge:     maxAge,
		retryDelay: reconnectDelay,
		stopCh:     make(chan struct{}),
		verdicts:   make(map[string]types.Verdict),
		now:        time.Now,
	}
}

// Start connects and begins processing
func (f *OracleFeed) Start() {
	f.mu.Lock()
	if f.running || f.wsURL == "" {
		f.mu.Unlock()
		if f.wsURL == "" {
			log.Warn().Msg("⚠️ ORACLE_WS_URL not set - no verdicts will arrive")
		}
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("🔮 Oracle feed started")
}

// Stop closes the connection
func (f *OracleFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Oracle feed stopped")
}

// OnReconnect registers fn to run after each re-established connection
func (f *OracleFeed) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnect = fn
}

// Connected reports whether the websocket is up
func (f *OracleFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Latest returns the freshest verdict for an asset
func (f *OracleFeed) Latest(asset string) (types.Verdict, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.verdicts[strings.ToUpper(asset)]
	if !ok || f.now().Sub(v.ReceivedAt) > f.maxAge {
		return types.Verdict{}, false
	}
	return v, true
}

// Publish stores a verdict as if it arrived on the wire
func (f *OracleFeed) Publish(v types.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = f.now()
	}
	f.verdicts[strings.ToUpper(v.Asset)] = v
}

// connectionLoop maintains the WebSocket connection
func (f *OracleFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Oracle connection failed, retrying...")
			if !f.wait(f.retryDelay) {
				return
			}
			continue
		}

		f.readLoop()
		if !f.wait(f.retryDelay) {
			return
		}
	}
}

func (f *OracleFeed) wait(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// connect establishes WebSocket connection
func (f *OracleFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.dials++
	reconnected := f.dials > 1
	hook := f.onReconnect
	f.mu.Unlock()

	log.Info().Bool("reconnect", reconnected).Msg("🔌 Oracle connected")

	if reconnected && hook != nil {
		go hook()
	}

	go f.pingLoop(conn)

	return nil
}

// pingLoop sends periodic pings to keep connection alive
func (f *OracleFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn == conn && f.connected
			f.mu.RUnlock()

			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Msg("Oracle ping failed")
			}
		}
	}
}

// readLoop reads messages from WebSocket
func (f *OracleFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				log.Warn().Err(err).Msg("Oracle read error")
			}
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// processMessage validates and stores incoming verdicts
func (f *OracleFeed) processMessage(data []byte) {
	verdicts, err := ParseVerdicts(data, f.now())
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Dropped oracle message")
		return
	}

	f.mu.Lock()
	for _, v := range verdicts {
		f.verdicts[v.Asset] = v
	}
	f.mu.Unlock()

	for _, v := range verdicts {
		log.Debug().
			Str("asset", v.Asset).
			Str("prediction", string(v.Prediction)).
			Float64("confidence", v.Confidence).
			Bool("locked", v.IsLocked).
			Msg("🔮 Verdict")
	}
}
