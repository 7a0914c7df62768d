package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
)

// MarkPrice is one mark-price update for a market such as "ETH-USD".
type MarkPrice struct {
	Market string
	Price  float64
	At     time.Time
}

// MarkPriceStream keeps the latest mark price per market from the Extended
// public stream and reconnects until its context ends.
type MarkPriceStream struct {
	url    string
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	conn     *websocket.Conn
	prices   map[string]MarkPrice
	handlers []func(MarkPrice)
}

type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Ts   int64           `json:"ts"`
	Seq  int64           `json:"seq"`
}

type markData struct {
	Market string          `json:"m"`
	Price  decimal.Decimal `json:"p"`
	Ts     int64           `json:"ts"`
}

// NewMarkPriceStream subscribes to all markets at url. Prices older than
// maxAge are reported as missing; zero disables the check.
func NewMarkPriceStream(url string, maxAge time.Duration, log zerolog.Logger) *MarkPriceStream {
	return &MarkPriceStream{
		url:    url,
		maxAge: maxAge,
		log:    log.With().Str("component", "mark_stream").Logger(),
		now:    time.Now,
		prices: make(map[string]MarkPrice),
	}
}

// OnUpdate registers fn to be called for every accepted update.
func (s *MarkPriceStream) OnUpdate(fn func(MarkPrice)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// Mark returns the cached mark price for market if one is fresh.
func (s *MarkPriceStream) Mark(market string) (float64, bool) {
	s.mu.RLock()
	mp, ok := s.prices[market]
	s.mu.RUnlock()
	if !ok || mp.Price <= 0 {
		return 0, false
	}
	if s.maxAge > 0 && s.now().Sub(mp.At) > s.maxAge {
		return 0, false
	}
	return mp.Price, true
}

// Run connects and reads until ctx is done, reconnecting with backoff after
// any read or dial failure.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > time.Minute {
			b.Reset()
		}
		wait := b.Duration()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("mark stream disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *MarkPriceStream) session(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	s.log.Info().Str("url", s.url).Msg("mark stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessCtx, conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := s.handle(raw); err != nil {
			s.log.Debug().Err(err).Msg("dropping stream message")
		}
	}
}

// keepAlive pings on a ticker and closes conn when ctx ends so the blocked
// read returns.
func (s *MarkPriceStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.log.Warn().Err(err).Msg("mark stream ping failed")
			}
		}
	}
}

func (s *MarkPriceStream) handle(raw []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if len(msg.Data) == 0 {
		return errors.New("empty data")
	}
	var d markData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return err
	}
	if d.Market == "" || !d.Price.IsPositive() {
		return fmt.Errorf("invalid mark update %s", string(msg.Data))
	}

	at := s.now()
	if d.Ts > 0 {
		at = time.UnixMilli(d.Ts)
	}
	mp := MarkPrice{Market: d.Market, Price: d.Price.InexactFloat64(), At: at}

	s.mu.Lock()
	if prev, ok := s.prices[d.Market]; ok && prev.At.After(mp.At) {
		s.mu.Unlock()
		return nil
	}
	s.prices[d.Market] = mp
	handlers := s.handlers
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(mp)
	}
	return nil
}

// Close drops the current connection; Run reconnects unless its context is
// also done.
func (s *MarkPriceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
