package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	frameBuffer = 256
)

// WSClient dials the gateway feed. It implements feed.Transport; reconnects
// are driven by the feed manager.
type WSClient struct {
	wsURL  string
	creds  domain.CredentialSource
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewWSClient creates a WSClient for wsURL, e.g. "wss://gateway:8443/v1/stream".
// creds may be nil for an unauthenticated gateway.
func NewWSClient(wsURL string, creds domain.CredentialSource, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		creds:  creds,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "gateway_ws")),
	}
}

// Dial opens one account stream. The handshake carries the account in the
// query string and HMAC headers when credentials are configured.
func (w *WSClient) Dial(ctx context.Context, book domain.BookKey) (feed.Stream, error) {
	u, err := url.Parse(w.wsURL)
	if err != nil {
		return nil, fmt.Errorf("gateway/ws: parse url: %w", err)
	}
	q := u.Query()
	q.Set("user", book.User)
	q.Set("exchange", book.Exchange)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if w.creds != nil {
		c, err := w.creds.Credentials(ctx, book)
		if err != nil {
			return nil, fmt.Errorf("gateway/ws: credentials %s: %w", book, err)
		}
		auth := crypto.HMACAuth{Key: c.APIKey, Secret: c.Secret, Passphrase: c.Passphrase}
		for k, v := range auth.Headers(http.MethodGet, u.Path, "") {
			header.Set(k, v)
		}
	}

	conn, resp, err := w.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gateway/ws: connect %s: %w", book, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("gateway/ws: connect %s: %w", book, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &wsStream{
		conn:   conn,
		book:   book,
		logger: w.logger.With(slog.String("book", book.String())),
		frames: make(chan feed.Message, frameBuffer),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// wsStream is one live gateway connection.
type wsStream struct {
	conn   *websocket.Conn
	book   domain.BookKey
	logger *slog.Logger

	writeMu sync.Mutex

	frames chan feed.Message

	failOnce sync.Once
	err      error
	failed   chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe sends the full symbol set; the gateway replaces the previous
// subscription.
func (s *wsStream) Subscribe(ctx context.Context, symbols []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if symbols == nil {
		symbols = []string{}
	}
	if err := s.conn.WriteJSON(subscribeCommand{Op: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("gateway/ws: subscribe %s: %w", s.book, err)
	}
	return nil
}

// Recv returns the next decoded update. Frames read before a failure are
// delivered before the failure is reported.
func (s *wsStream) Recv(ctx context.Context) (feed.Message, error) {
	select {
	case msg := <-s.frames:
		return msg, nil
	case <-s.failed:
		select {
		case msg := <-s.frames:
			return msg, nil
		default:
		}
		return feed.Message{}, s.err
	case <-s.done:
		return feed.Message{}, fmt.Errorf("gateway/ws: %w", domain.ErrFeedClosed)
	case <-ctx.Done():
		return feed.Message{}, ctx.Err()
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

// readLoop decodes frames until the connection fails. Malformed and unknown
// frames are skipped; an error frame ends the stream.
func (s *wsStream) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("gateway/ws: read %s: %w", s.book, err))
			return
		}
		msg, ok, err := decodeFrame(raw, s.book)
		if err != nil {
			if errors.Is(err, errGatewayFrame) {
				s.fail(err)
				return
			}
			s.logger.Warn("gateway/ws: frame skipped", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.frames <- msg:
		case <-s.done:
			return
		}
	}
}

// pingLoop keeps the connection alive until it is closed or fails.
func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.failed:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.fail(fmt.Errorf("gateway/ws: ping %s: %w", s.book, err))
				return
			}
		}
	}
}

var _ feed.Transport = (*WSClient)(nil)
