package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGateway(m Model) *Gateway {
	return NewGateway(m, func(o *GatewayOptions) {
		o.MaxAttempts = 3
		o.BaseDelay = time.Millisecond
		o.MaxDelay = 5 * time.Millisecond
	})
}

func drain(t *testing.T, respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var responses []Response
	for resp := range respCh {
		responses = append(responses, resp)
	}
	return responses, <-errCh
}

func TestGateway_RetriesTransientFailure(t *testing.T) {
	transient := &core.TransportError{Op: "complete", Retryable: true, Err: errors.New("upstream 529")}
	mock := NewMockModel(
		ScriptStep{Err: transient},
		ScriptStep{Err: transient},
		ScriptStep{Text: "third time lucky"},
	)

	respCh, errCh := fastGateway(mock).Complete(context.Background(), Request{})
	responses, err := drain(t, respCh, errCh)

	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "third time lucky", responses[0].Content.Text())
	assert.Equal(t, 3, mock.Calls())
}

func TestGateway_FatalFailureNotRetried(t *testing.T) {
	fatal := &core.TransportError{Op: "complete", Retryable: false, Err: errors.New("invalid api key")}
	mock := NewMockModel(ScriptStep{Err: fatal}, ScriptStep{Text: "never reached"})

	respCh, errCh := fastGateway(mock).Complete(context.Background(), Request{})
	responses, err := drain(t, respCh, errCh)

	require.Error(t, err)
	assert.False(t, core.IsRetryable(err))
	assert.Empty(t, responses)
	assert.Equal(t, 1, mock.Calls())
}

func TestGateway_ExhaustedAttemptsSurfaceLastError(t *testing.T) {
	transient := &core.TransportError{Op: "complete", Retryable: true, Err: errors.New("timeout")}
	mock := NewMockModel(ScriptStep{Err: transient}, ScriptStep{Err: transient}, ScriptStep{Err: transient})

	respCh, errCh := fastGateway(mock).Complete(context.Background(), Request{})
	responses, err := drain(t, respCh, errCh)

	require.Error(t, err)
	assert.Empty(t, responses)
	assert.Equal(t, 3, mock.Calls())
}

// forwardThenFail emits one partial response and then fails, which must not
// trigger a retry: the consumer has already seen output.
type forwardThenFail struct{ calls int }

func (m *forwardThenFail) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	// unbuffered: the error is only sent once the partial has been received
	respCh := make(chan Response)
	errCh := make(chan error, 1)
	m.calls++
	go func() {
		defer close(respCh)
		defer close(errCh)
		respCh <- Response{Partial: true, Content: core.NewTextContent("assistant", "partial...")}
		errCh <- &core.TransportError{Op: "complete", Retryable: true, Err: errors.New("mid-stream drop")}
	}()
	return respCh, errCh
}

func (m *forwardThenFail) Info() Info { return Info{Name: "forward-then-fail", Provider: "mock"} }

func TestGateway_NoRetryAfterForwardedOutput(t *testing.T) {
	mock := &forwardThenFail{}
	respCh, errCh := fastGateway(mock).Complete(context.Background(), Request{})
	responses, err := drain(t, respCh, errCh)

	require.Error(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 1, mock.calls, "forwarded stream must not be replayed")
}

func TestClassify(t *testing.T) {
	assert.True(t, Classify("complete", context.DeadlineExceeded).Retryable)
	assert.False(t, Classify("complete", errors.New("schema mismatch")).Retryable)

	wrapped := &core.TransportError{Op: "complete", Retryable: true, Err: errors.New("x")}
	assert.Same(t, wrapped, Classify("complete", wrapped))
}
