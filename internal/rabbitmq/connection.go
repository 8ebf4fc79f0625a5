package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager hands out a fresh connection and channel for every
// logical operation. Nothing is pooled or shared between callers.
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	logger      *slog.Logger
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithDialTimeout bounds how long Acquire waits for the broker handshake
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        DialAMQP,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// URL returns the sanitized broker URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Session is one connection plus the channel opened on it.
type Session struct {
	Conn    Connection
	Channel Channel

	once   sync.Once
	err    error
	logger *slog.Logger
}

// Close releases the channel and then the connection. Safe to call more
// than once; only the first call does any work.
func (s *Session) Close() error {
	s.once.Do(func() {
		var errs []error
		if s.Channel != nil {
			if err := s.Channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.Conn != nil && !s.Conn.IsClosed() {
			if err := s.Conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(errs...)
		if s.err != nil {
			s.logger.Debug("session close reported errors", "error", s.err)
		}
	})
	return s.err
}

// Acquire dials a new connection and opens a channel on it. When the
// channel cannot be opened the connection is closed before returning.
func (cm *ConnectionManager) Acquire(ctx context.Context) (*Session, error) {
	conn, err := cm.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cm.logger.Debug("failed to close connection after channel error", "error", closeErr)
		}
		cm.logger.Error("failed to open channel", "url", cm.URL(), "error", err)
		return nil, &ChannelError{
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return &Session{Conn: conn, Channel: ch, logger: cm.logger}, nil
}

func (cm *ConnectionManager) connect(ctx context.Context) (Connection, error) {
	if cm.url == "" || cm.dial == nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       cm.URL(),
			Err:       ErrInvalidConfiguration,
			Timestamp: time.Now(),
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cm.logger.Error("failed to connect to RabbitMQ", "url", cm.URL(), "error", r.err)
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       cm.URL(),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-connCtx.Done():
		// The dial may still succeed later; make sure it is not leaked.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       cm.URL(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
