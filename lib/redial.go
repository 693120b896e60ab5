package lib

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// RedialConfig controls how a Redialer replaces a broken connection.
type RedialConfig struct {
	MaxRetries        int // -1 retries forever
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	OnReconnect       func(*Connection)
	OnFinalFailure    func(error)
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        10,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// NewBackOff returns the schedule of waits between dial attempts. It
// returns backoff.Stop once MaxRetries waits have been handed out.
func (rc *RedialConfig) NewBackOff() backoff.BackOff {
	if rc.MaxRetries == 0 {
		return &backoff.StopBackOff{}
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval: rc.InitialBackoff,
		Multiplier:      rc.BackoffMultiplier,
		MaxInterval:     rc.MaxBackoff,
		Clock:           backoff.SystemClock,
	}
	eb.Reset()
	if rc.MaxRetries < 0 {
		return eb
	}
	return backoff.WithMaxRetries(eb, uint64(rc.MaxRetries))
}

// Redialer keeps a client connection to one remote endpoint and dials a
// new one when the current connection failed in a way a fresh handshake
// can fix.
type Redialer struct {
	stack         *Stack
	local, remote netip.AddrPort
	cfg           *RedialConfig

	dialMu sync.Mutex // one dial at a time
	mu     sync.RWMutex
	conn   *Connection
}

func NewRedialer(s *Stack, local, remote netip.AddrPort, cfg *RedialConfig) *Redialer {
	if cfg == nil {
		cfg = DefaultRedialConfig()
	}
	return &Redialer{stack: s, local: local, remote: remote, cfg: cfg}
}

// Conn returns the current connection, dialing the first one if needed.
func (r *Redialer) Conn(ctx context.Context) (*Connection, error) {
	r.mu.RLock()
	c := r.conn
	r.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	r.mu.RLock()
	c = r.conn
	r.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	return r.redial(ctx, nil)
}

// Retryable reports whether err is worth a new connection.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, ErrConnReset) ||
		errors.Is(err, ErrConnRefused) || errors.Is(err, ErrNotConnected)
}

// HandleError replaces the connection after a retryable error and returns
// the new one. Other errors are returned unchanged.
func (r *Redialer) HandleError(ctx context.Context, err error) (*Connection, error) {
	if !Retryable(err) {
		return nil, err
	}
	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	r.mu.Lock()
	old := r.conn
	r.conn = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return r.redial(ctx, err)
}

func (r *Redialer) redial(ctx context.Context, cause error) (*Connection, error) {
	log := r.stack.log.WithField("remote", r.remote.String())
	lastErr := cause
	b := r.cfg.NewBackOff()
	for attempt := 1; ; attempt++ {
		c, err := r.stack.Dial(ctx, r.local, r.remote)
		if err == nil {
			r.mu.Lock()
			r.conn = c
			r.mu.Unlock()
			if cause != nil {
				log.WithField("attempts", attempt).Info("reconnected")
				if r.cfg.OnReconnect != nil {
					r.cfg.OnReconnect(c)
				}
			}
			return c, nil
		}
		if errors.Is(err, ErrInterrupted) {
			return nil, err
		}
		lastErr = err
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		log.WithError(err).Debugf("dial attempt %d failed, next in %s", attempt, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrap(ErrInterrupted, ctx.Err().Error())
		case <-t.C:
		}
	}
	err := errors.Wrapf(lastErr, "giving up on %s", r.remote)
	if r.cfg.OnFinalFailure != nil {
		r.cfg.OnFinalFailure(err)
	}
	return nil, err
}

// Close closes the current connection.
func (r *Redialer) Close() error {
	r.mu.Lock()
	c := r.conn
	r.conn = nil
	r.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
