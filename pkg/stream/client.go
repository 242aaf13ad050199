// Package stream is a small websocket market-data client. It is venue
// neutral: the caller supplies the stream path and a decoder for the venue's
// message format.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tick is one decoded market-data update.
type Tick struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Decoder turns one raw websocket message into a Tick.
type Decoder func(msg []byte) (Tick, error)

// Client dials a websocket stream endpoint and keeps the subscription alive,
// reconnecting with exponential backoff when the connection drops.
type Client struct {
	baseURL string
	decode  Decoder
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	// MaxReconnectWait caps the backoff between reconnect attempts.
	MaxReconnectWait time.Duration
}

// NewClient builds a stream client for baseURL (e.g. "wss://host/ws").
func NewClient(baseURL string, decode Decoder) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		decode:           decode,
		dialer:           websocket.DefaultDialer,
		MaxReconnectWait: 30 * time.Second,
	}
}

// Subscribe opens the stream at path and emits decoded ticks until ctx is
// cancelled or stop is called. The first dial is synchronous so configuration
// errors surface immediately; later drops reconnect in the background.
func (c *Client) Subscribe(ctx context.Context, path string) (<-chan Tick, func(), error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	logger := log.With().Str("component", "stream_client").Str("stream", u).Logger()

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stream %s: %w", u, err)
	}

	out := make(chan Tick, 100)
	loopCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer close(out)
		current := conn
		for {
			c.readLoop(loopCtx, current, out, logger)
			closeConn(current)
			if loopCtx.Err() != nil {
				return
			}

			current = c.redial(loopCtx, u, logger)
			if current == nil {
				return
			}
			logger.Info().Msg("stream reconnected")
		}
	}()

	return out, stop, nil
}

// readLoop pumps messages from one connection until it fails or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Tick, logger zerolog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn(conn)
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !isExpectedClose(err) {
				logger.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
		tick, err := c.decode(msg)
		if err != nil {
			logger.Debug().Err(err).Msg("undecodable stream message")
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) redial(ctx context.Context, u string, logger zerolog.Logger) *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.MaxReconnectWait
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = c.dialer.DialContext(ctx, u, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("stream reconnect failed; backing off")
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil
	}
	return conn
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

// BinanceTickerPath returns the stream path for a symbol's 24h ticker on
// Binance-style endpoints, which require lowercase symbols.
func BinanceTickerPath(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// DecodeBinanceTicker decodes a Binance 24h ticker stream message.
func DecodeBinanceTicker(msg []byte) (Tick, error) {
	var raw struct {
		Symbol    string `json:"s"`
		Last      string `json:"c"`
		Bid       string `json:"b"`
		Ask       string `json:"a"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Tick{}, err
	}
	if raw.Symbol == "" {
		return Tick{}, fmt.Errorf("ticker message without symbol")
	}
	return Tick{
		Symbol: raw.Symbol,
		Price:  parseFloat(raw.Last),
		Bid:    parseFloat(raw.Bid),
		Ask:    parseFloat(raw.Ask),
		Time:   time.UnixMilli(raw.EventTime),
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
