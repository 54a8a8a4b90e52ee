package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/types"
)

const maxStreamMessageSize = 64 * 1024

// StreamClient follows the live server status stream and hands every update to a
// handler. It reconnects with exponential backoff until its context is cancelled or the
// API rejects the credential.
type StreamClient struct {
	url     string
	token   func() string
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *Metrics

	newBackOff func() backoff.BackOff
	connected  atomic.Bool
}

// StreamOption configures a StreamClient
type StreamOption func(*StreamClient)

// WithStreamMetrics counts received updates
func WithStreamMetrics(m *Metrics) StreamOption {
	return func(s *StreamClient) { s.metrics = m }
}

// WithReconnectBackOff overrides the reconnect policy
func WithReconnectBackOff(fn func() backoff.BackOff) StreamOption {
	return func(s *StreamClient) { s.newBackOff = fn }
}

// NewStreamClient creates a stream client for url. token is consulted on every dial so
// a re-login takes effect on the next reconnect.
func NewStreamClient(url string, token func() string, logger *zap.Logger, opts ...StreamOption) *StreamClient {
	s := &StreamClient{
		url:   url,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.QuickOperationTimeout,
		},
		logger: logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = config.StreamReconnectDelay * 6
			b.MaxElapsedTime = 0
			return b
		},
	}
	if token == nil {
		s.token = func() string { return "" }
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connected reports whether a stream session is currently open
func (s *StreamClient) Connected() bool {
	return s.connected.Load()
}

// Run blocks, delivering updates to handle, until ctx is cancelled (returns nil) or the
// credential is rejected (returns the Unauthenticated/Forbidden error).
func (s *StreamClient) Run(ctx context.Context, handle func(StatusUpdate)) error {
	b := s.newBackOff()

	operation := func() error {
		err := s.session(ctx, handle, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if types.IsAuthFailure(err) {
			return backoff.Permanent(err)
		}
		if err == nil {
			err = errors.New("stream closed by server")
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Status stream interrupted, reconnecting",
			zap.String("url", s.url),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one connection until it fails or ctx ends
func (s *StreamClient) session(ctx context.Context, handle func(StatusUpdate), b backoff.BackOff) error {
	header := http.Header{}
	if token := s.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return types.WrapError(types.KindUnauthenticated, err, "status stream rejected the session")
			case http.StatusForbidden:
				return types.WrapError(types.KindForbidden, err, "status stream refused")
			}
		}
		return types.WrapError(types.KindUpstreamUnavailable, err, "dial status stream")
	}
	defer conn.Close()

	s.connected.Store(true)
	defer s.connected.Store(false)
	b.Reset()
	s.logger.Info("Status stream connected", zap.String("url", s.url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(config.StreamWriteWait))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(maxStreamMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(config.StreamPongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(config.StreamPongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(config.StreamWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return types.WrapError(types.KindUpstreamUnavailable, err, "read status stream")
		}
		_ = conn.SetReadDeadline(time.Now().Add(config.StreamPongWait))

		var update StatusUpdate
		if err := json.Unmarshal(message, &update); err != nil || update.ServerID == "" {
			s.logger.Debug("Ignoring malformed status update", zap.ByteString("payload", message))
			continue
		}
		s.metrics.streamUpdate()
		handle(update)
	}
}
