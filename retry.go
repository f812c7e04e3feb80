package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btclog"
)

const (
	defaultAttempts = 3
	defaultTimeout  = 2 * time.Second
	defaultBackoff  = 500 * time.Millisecond
)

// RetryPolicy bounds one logical exchange: a request send, the metadata
// receive, or a single chunk receive. It is not an end-to-end deadline.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultAttempts, Timeout: defaultTimeout, Backoff: defaultBackoff}
}

func (p RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry attempts must be at least 1, got %d", p.MaxAttempts)
	case p.Timeout <= 0:
		return fmt.Errorf("per-attempt timeout must be positive, got %v", p.Timeout)
	case p.Backoff < 0:
		return fmt.Errorf("backoff must not be negative, got %v", p.Backoff)
	}
	return nil
}

// Retrier applies a RetryPolicy to sends and receives on a Transport.
type Retrier struct {
	policy RetryPolicy
	clock  clock.Clock
	log    btclog.Logger
}

func newRetrier(policy RetryPolicy, clk clock.Clock, log btclog.Logger) *Retrier {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = btclog.Disabled
	}
	return &Retrier{policy: policy, clock: clk, log: log}
}

// Send transmits payload, sleeping the backoff between failed attempts.
func (r *Retrier) Send(t Transport, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = t.Send(payload)
		if lastErr == nil {
			return nil
		}
		r.log.Warnf("Send attempt %d/%d failed: %v", attempt, r.policy.MaxAttempts, lastErr)
		if attempt < r.policy.MaxAttempts {
			r.clock.Sleep(r.policy.Backoff)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrTransportExhausted, r.policy.MaxAttempts, lastErr)
}

// Receive waits for one datagram. A timeout re-polls the same socket; the
// original request is never re-sent. Other errors wait out the backoff first.
func (r *Retrier) Receive(t Transport) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		b, err := t.Receive(r.policy.Timeout)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if errors.Is(err, errTimeout) {
			r.log.Debugf("Receive attempt %d/%d timed out after %v", attempt, r.policy.MaxAttempts, r.policy.Timeout)
			continue
		}
		r.log.Warnf("Receive attempt %d/%d failed: %v", attempt, r.policy.MaxAttempts, err)
		if attempt < r.policy.MaxAttempts {
			r.clock.Sleep(r.policy.Backoff)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReceiveTimeoutExhausted, r.policy.MaxAttempts, lastErr)
}
