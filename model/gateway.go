package model

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
)

// GatewayOptions configures retry behavior of a Gateway.
type GatewayOptions struct {
	// MaxAttempts bounds total tries per Complete call (first try included).
	MaxAttempts int
	// BaseDelay is the initial backoff delay, doubled per attempt with jitter.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Logger receives retry diagnostics.
	Logger logging.Logger
}

// Gateway wraps a Model with bounded exponential backoff. Only retryable
// transport failures (timeouts, 5xx, rate limits) are retried; auth and
// malformed-request failures fail fast. A retry re-requests the stream
// whole: an attempt is only retried while nothing has been forwarded
// downstream, so consumers never observe duplicated deltas.
type Gateway struct {
	model  Model
	opts   GatewayOptions
	logger logging.Logger
}

// NewGateway constructs a Gateway around the given model.
func NewGateway(m Model, optFns ...func(o *GatewayOptions)) *Gateway {
	opts := GatewayOptions{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Gateway{model: m, opts: opts, logger: opts.Logger}
}

// Info returns metadata for the wrapped model.
func (g *Gateway) Info() Info { return g.model.Info() }

// Complete drives one generation, retrying transient failures. The returned
// channels follow the Model contract: responses then close, at most one
// terminal error.
func (g *Gateway) Complete(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var lastErr error
		for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
			forwarded, err := g.attempt(ctx, req, out)
			if err == nil {
				return
			}

			terr := Classify("complete", err)
			lastErr = terr

			// Once partial output reached the consumer the stream cannot be
			// replayed without duplicating deltas.
			if forwarded || !terr.Retryable || attempt == g.opts.MaxAttempts {
				errCh <- terr
				return
			}

			delay := g.backoff(attempt)
			g.logger.Warn("model gateway retrying",
				"attempt", attempt, "max_attempts", g.opts.MaxAttempts,
				"delay_ms", delay.Milliseconds(), "error", err.Error())

			select {
			case <-ctx.Done():
				errCh <- Classify("complete", ctx.Err())
				return
			case <-time.After(delay):
			}
		}
		if lastErr != nil {
			errCh <- lastErr
		}
	}()

	return out, errCh
}

// attempt runs one generation pass, forwarding responses downstream. It
// reports whether anything was forwarded along with the terminal error.
func (g *Gateway) attempt(ctx context.Context, req Request, out chan<- Response) (bool, error) {
	respCh, errCh := g.model.Generate(ctx, req)
	forwarded := false
	for {
		select {
		case <-ctx.Done():
			return forwarded, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				// Drain a straggler error delivered after channel close.
				select {
				case err, ok := <-errCh:
					if ok && err != nil {
						return forwarded, err
					}
				default:
				}
				return forwarded, nil
			}
			select {
			case <-ctx.Done():
				return forwarded, ctx.Err()
			case out <- resp:
				forwarded = true
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return forwarded, err
			}
			if !ok {
				errCh = nil
			}
		}
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.opts.BaseDelay << (attempt - 1)
	if delay > g.opts.MaxDelay {
		delay = g.opts.MaxDelay
	}
	// Full jitter keeps concurrent sessions from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
}

// Classify maps a provider error into the transport taxonomy. Timeouts,
// rate limits and server-side failures are retryable; authentication and
// malformed requests are fatal.
func Classify(op string, err error) *core.TransportError {
	var terr *core.TransportError
	if errors.As(err, &terr) {
		return terr
	}

	retryable := false
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		retryable = true
	case isTimeout(err):
		retryable = true
	default:
		if code, ok := statusCode(err); ok {
			retryable = code == 408 || code == 429 || code >= 500
		}
	}

	return &core.TransportError{Op: op, Retryable: retryable, Err: err}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func statusCode(err error) (int, bool) {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode, true
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode, true
	}
	return 0, false
}
