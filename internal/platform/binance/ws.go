package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	markPriceStream = "/ws/!markPrice@arr@1s"
)

// MarkPriceStream subscribes to the all-market mark-price stream and
// delivers one batch per message. The connection is re-established with
// exponential backoff until ctx ends, at which point the channel closes.
func (c *Client) MarkPriceStream(ctx context.Context) (<-chan []domain.MarkPrice, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []domain.MarkPrice, 16)
	go c.streamLoop(ctx, conn, out)
	return out, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	u := strings.TrimRight(c.cfg.WsHost, "/") + markPriceStream
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance/ws: connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (c *Client) streamLoop(ctx context.Context, conn *websocket.Conn, out chan<- []domain.MarkPrice) {
	defer close(out)
	for {
		err := c.readConn(ctx, conn, out)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("mark price stream disconnected", slog.String("error", err.Error()))

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
		c.logger.Info("mark price stream reconnected")
	}
}

// readConn pumps one connection until it fails or ctx ends.
func (c *Client) readConn(ctx context.Context, conn *websocket.Conn, out chan<- []domain.MarkPrice) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		batch := decodeMarkPrices(message)
		if len(batch) == 0 {
			continue
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Consumer is behind; the next batch supersedes this one.
			c.logger.Debug("mark price batch dropped", slog.Int("size", len(batch)))
		}
	}
}

// reconnect dials with exponential backoff. It returns nil once ctx ends.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		conn, err := c.dial(dctx)
		cancel()
		if err == nil {
			return conn
		}
		c.logger.Warn("mark price reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// decodeMarkPrices parses one stream payload. Unparseable messages yield
// an empty batch.
func decodeMarkPrices(raw []byte) []domain.MarkPrice {
	var events []APIMarkPriceEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil
	}
	batch := make([]domain.MarkPrice, 0, len(events))
	for _, ev := range events {
		if mp, ok := ev.ToDomain(); ok {
			batch = append(batch, mp)
		}
	}
	return batch
}
