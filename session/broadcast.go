// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fieldsync-dev/fieldsync/protocol"
)

// Dispatcher delivers a command envelope to one device and returns
// the matching acknowledgement. Implementations correlate by command
// ID and must honor ctx cancellation; the orchestrator enforces its
// own per-attempt timeout around each call.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID string, command *protocol.Envelope) (*protocol.Envelope, error)
}

// ErrAckTimeout is returned (wrapped) when a device fails to
// acknowledge a command within the per-attempt deadline on every
// attempt.
var ErrAckTimeout = errors.New("session: acknowledgement timed out")

// RetryConfig tunes command dispatch: per-attempt ack deadline and
// the exponential backoff between attempts.
type RetryConfig struct {
	AckTimeout     time.Duration
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64
}

// DefaultRetryConfig returns the deployment defaults: 5 s ack
// deadline, 3 attempts, backoff 500 ms doubling to at most 8 s, with
// 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		AckTimeout:     5 * time.Second,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       8 * time.Second,
		MaxAttempts:    3,
		JitterFraction: 0.2,
	}
}

// delayBeforeAttempt computes the jittered backoff preceding the
// given 1-based retry attempt.
func (c RetryConfig) delayBeforeAttempt(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if c.JitterFraction > 0 {
		spread := c.JitterFraction * float64(delay)
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// dispatchResult is one device's outcome from a broadcast.
type dispatchResult struct {
	deviceID string
	ack      *protocol.Envelope
	err      error
}

// dispatchWithRetry sends one command to one device, retrying with
// backoff on timeout or transport error. The same envelope, with the
// same command ID, is re-sent on every attempt so devices can
// deduplicate redelivered commands.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, deviceID string, command *protocol.Envelope) (*protocol.Envelope, error) {
	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := o.retry.delayBeforeAttempt(attempt)
			select {
			case <-o.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ack, err := o.dispatchOnce(ctx, deviceID, command)
		if err == nil {
			o.metrics.AckReceived(command.Command, ack.Status)
			return ack, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		o.logger.Warn("command attempt failed",
			"device", deviceID,
			"command", command.Command,
			"command_id", command.ID,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("device %s: %s after %d attempts: %w",
		deviceID, command.Command, o.retry.MaxAttempts, lastErr)
}

// dispatchOnce runs a single attempt under the per-attempt ack
// deadline. The deadline comes from the injected clock, not the
// context, so tests drive it deterministically.
func (o *Orchestrator) dispatchOnce(ctx context.Context, deviceID string, command *protocol.Envelope) (*protocol.Envelope, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.metrics.CommandSent(command.Command)

	type reply struct {
		ack *protocol.Envelope
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		ack, err := o.dispatcher.Dispatch(attemptCtx, deviceID, command)
		replies <- reply{ack, err}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			return nil, r.err
		}
		if r.ack.Status != protocol.AckOK {
			return nil, fmt.Errorf("device %s rejected %s: %s (%s)",
				deviceID, command.Command, r.ack.Code, r.ack.Message)
		}
		return r.ack, nil
	case <-o.clock.After(o.retry.AckTimeout):
		cancel()
		o.metrics.AckTimeout(command.Command)
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrAckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// broadcast dispatches a command to every listed device concurrently
// and collects per-device results. build is called once per device to
// produce its envelope; the envelope is reused across retries.
func (o *Orchestrator) broadcast(ctx context.Context, deviceIDs []string, build func(commandID int64, deviceID string) *protocol.Envelope) map[string]dispatchResult {
	results := make(chan dispatchResult, len(deviceIDs))
	var wg sync.WaitGroup
	for _, deviceID := range deviceIDs {
		wg.Add(1)
		command := build(o.ids.Next(), deviceID)
		go func(deviceID string, command *protocol.Envelope) {
			defer wg.Done()
			ack, err := o.dispatchWithRetry(ctx, deviceID, command)
			results <- dispatchResult{deviceID: deviceID, ack: ack, err: err}
		}(deviceID, command)
	}
	wg.Wait()
	close(results)

	collected := make(map[string]dispatchResult, len(deviceIDs))
	for result := range results {
		collected[result.deviceID] = result
	}
	return collected
}
