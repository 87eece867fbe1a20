package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// retrier wraps the agent's calls to the control plane with capped
// exponential backoff. Only transient failures are retried; a 4xx from
// the server is treated as a final answer so that identity problems
// surface immediately instead of being hammered.
type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
	}
}

func (r *retrier) do(fn func() error, retryable func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying control plane request")
		time.Sleep(delay)
	}
}

// backoffWithJitter doubles the delay per attempt up to max, then picks a
// value in [delay/2, delay) so a fleet of agents does not retry in lockstep.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	delay := float64(initial) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	half := delay / 2
	return time.Duration(half + rand.Float64()*half)
}

func isRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

func isRetryableStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

type retryableStatusError struct {
	status int
}

func (e retryableStatusError) Error() string {
	return fmt.Sprintf("server responded %d %s", e.status, http.StatusText(e.status))
}
