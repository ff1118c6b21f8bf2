// Package stream fans agent events out to live subscribers and anchors them
// in the transcript. Durability comes first: a turn is persisted (and every
// structured block re-persisted) before the corresponding frame reaches any
// subscriber, so a client that reconnects and resumes from its last seen
// sequence number misses nothing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/logging"
	"github.com/scriptorium-ai/scriptorium/transcript"
)

// FrameType enumerates the wire vocabulary sent to clients.
type FrameType string

const (
	// FrameTurn carries a complete persisted turn (history replay and the
	// in-flight snapshot handed to late subscribers).
	FrameTurn FrameType = "turn"
	// FrameStart announces a new streaming turn with its sequence number.
	FrameStart FrameType = "start"
	// FrameDelta carries a prose delta for the open turn.
	FrameDelta FrameType = "delta"
	// FrameBlock carries one structured block for the open turn.
	FrameBlock FrameType = "block"
	// FrameComplete marks the open turn frozen.
	FrameComplete FrameType = "complete"
	// FrameError reports a fatal session error.
	FrameError FrameType = "error"
)

// Frame is one unit on the client wire. Unknown fields are omitted rather
// than zeroed so clients can dispatch on Type alone.
type Frame struct {
	Type   FrameType             `json:"type"`
	WorkID string                `json:"work_id"`
	Seq    uint64                `json:"seq,omitempty"`
	TurnID string                `json:"turn_id,omitempty"`
	Role   core.Role             `json:"role,omitempty"`
	Author string                `json:"author,omitempty"`
	Delta  string                `json:"delta,omitempty"`
	Block  *core.StructuredBlock `json:"block,omitempty"`
	Turn   *core.Turn            `json:"turn,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// subscriberBuffer bounds the per-subscriber frame queue. A subscriber that
// falls this far behind is disconnected; it can resume from its last seq.
const subscriberBuffer = 256

type subscriber struct {
	ch     chan Frame
	closed bool
}

// Manager owns live delivery and the persistence ordering for all works.
type Manager struct {
	store  transcript.Store
	logger logging.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
	live map[string]*core.Turn
}

// NewManager constructs a Manager over the given transcript store.
func NewManager(store transcript.Store, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{
		store:  store,
		logger: logger,
		subs:   map[string]map[*subscriber]struct{}{},
		live:   map[string]*core.Turn{},
	}
}

// Subscribe attaches a live frame consumer to a work. The returned cancel
// func detaches and closes the channel; it is safe to call twice.
func (m *Manager) Subscribe(workID string) (<-chan Frame, func()) {
	sub := &subscriber{ch: make(chan Frame, subscriberBuffer)}

	m.mu.Lock()
	if m.subs[workID] == nil {
		m.subs[workID] = map[*subscriber]struct{}{}
	}
	m.subs[workID][sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.drop(workID, sub)
	}
	return sub.ch, cancel
}

// Resume replays every persisted turn after afterSeq and then attaches live.
// The replay and the subscription are taken under one lock acquisition with
// the in-flight turn snapshot, so no frame falls between replay and live.
func (m *Manager) Resume(ctx context.Context, workID string, afterSeq uint64) ([]core.Turn, <-chan Frame, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns, err := m.store.List(ctx, workID, afterSeq)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resume work %s: %w", workID, err)
	}

	sub := &subscriber{ch: make(chan Frame, subscriberBuffer)}
	if m.subs[workID] == nil {
		m.subs[workID] = map[*subscriber]struct{}{}
	}
	m.subs[workID][sub] = struct{}{}

	// Replayed turns include the persisted state of an in-flight turn; the
	// live snapshot below carries any deltas accumulated since.
	if liveTurn, ok := m.live[workID]; ok && liveTurn.Seq > afterSeq {
		snapshot := liveTurn.Clone()
		sub.ch <- Frame{Type: FrameTurn, WorkID: workID, Seq: snapshot.Seq, Turn: &snapshot}
	}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.drop(workID, sub)
	}
	return turns, sub.ch, cancel, nil
}

// Pump consumes one agent run's event channel until it closes, persisting
// and broadcasting each event. It is the only writer of streaming turns for
// its work while running.
func (m *Manager) Pump(ctx context.Context, workID string, events <-chan core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.handle(ctx, workID, ev); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, workID string, ev core.Event) error {
	switch ev.Type {
	case core.EventStart:
		turn := core.NewTurn(ev.Role, ev.Author)
		turn.ID = ev.TurnID
		seq, err := m.store.Append(ctx, workID, &turn)
		if err != nil {
			return fmt.Errorf("persist turn start: %w", err)
		}
		m.mu.Lock()
		m.live[workID] = &turn
		m.broadcast(workID, Frame{
			Type: FrameStart, WorkID: workID, Seq: seq,
			TurnID: turn.ID, Role: turn.Role, Author: turn.Author,
		})
		m.mu.Unlock()

	case core.EventContent:
		m.mu.Lock()
		turn, ok := m.live[workID]
		if ok {
			turn.Content += ev.Delta
			m.broadcast(workID, Frame{
				Type: FrameDelta, WorkID: workID, Seq: turn.Seq,
				TurnID: turn.ID, Delta: ev.Delta,
			})
		}
		m.mu.Unlock()

	case core.EventJSONBlock:
		if ev.Block == nil {
			return nil
		}
		m.mu.Lock()
		turn, ok := m.live[workID]
		var snapshot core.Turn
		if ok {
			turn.AppendBlock(*ev.Block)
			snapshot = turn.Clone()
		}
		m.mu.Unlock()
		if !ok {
			return nil
		}
		if err := m.store.Update(ctx, workID, &snapshot); err != nil {
			return fmt.Errorf("persist block: %w", err)
		}
		m.mu.Lock()
		m.broadcast(workID, Frame{
			Type: FrameBlock, WorkID: workID, Seq: snapshot.Seq,
			TurnID: snapshot.ID, Block: ev.Block,
		})
		m.mu.Unlock()

	case core.EventComplete:
		m.mu.Lock()
		turn, ok := m.live[workID]
		delete(m.live, workID)
		m.mu.Unlock()
		if !ok {
			return nil
		}
		if err := m.store.Update(ctx, workID, turn); err != nil {
			return fmt.Errorf("persist turn completion: %w", err)
		}
		m.mu.Lock()
		m.broadcast(workID, Frame{Type: FrameComplete, WorkID: workID, Seq: turn.Seq, TurnID: turn.ID})
		m.mu.Unlock()

	case core.EventError:
		m.mu.Lock()
		turn, ok := m.live[workID]
		delete(m.live, workID)
		m.mu.Unlock()
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		var seq uint64
		if ok {
			turn.AppendBlock(core.NewErrorBlock("", errorCode(ev.Err), msg))
			if err := m.store.Update(ctx, workID, turn); err != nil {
				m.logger.Error("persist error turn failed", "work_id", workID, "error", err.Error())
			}
			seq = turn.Seq
		}
		m.mu.Lock()
		m.broadcast(workID, Frame{Type: FrameError, WorkID: workID, Seq: seq, Error: msg})
		m.mu.Unlock()
	}
	return nil
}

// errorCode maps a run-fatal error onto the block taxonomy so the persisted
// record keeps the failure class.
func errorCode(err error) string {
	var terr *core.TransportError
	if errors.As(err, &terr) {
		return "TRANSPORT_ERROR"
	}
	if toolErr, ok := core.AsToolError(err); ok {
		return toolErr.Code
	}
	var serr *core.SandboxError
	if errors.As(err, &serr) {
		return serr.Code()
	}
	var oerr *core.ContextOverflowError
	if errors.As(err, &oerr) {
		return "CONTEXT_OVERFLOW"
	}
	return "SESSION_ERROR"
}

// Freeze persists the in-flight turn with a cancelled status block and
// notifies subscribers. Called by the engine when a run is aborted; the
// partial prose stays durable.
func (m *Manager) Freeze(ctx context.Context, workID, reason string) error {
	m.mu.Lock()
	turn, ok := m.live[workID]
	delete(m.live, workID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	turn.AppendBlock(core.NewStatusBlock("cancelled", reason))
	if err := m.store.Update(ctx, workID, turn); err != nil {
		return fmt.Errorf("freeze turn: %w", err)
	}

	m.mu.Lock()
	m.broadcast(workID, Frame{
		Type: FrameBlock, WorkID: workID, Seq: turn.Seq,
		TurnID: turn.ID, Block: &turn.Blocks[len(turn.Blocks)-1],
	})
	m.broadcast(workID, Frame{Type: FrameComplete, WorkID: workID, Seq: turn.Seq, TurnID: turn.ID})
	m.mu.Unlock()
	return nil
}

// broadcast delivers a frame to every subscriber of a work. Callers hold
// m.mu. A subscriber whose buffer is full is dropped rather than allowed to
// stall the run; it can reconnect and resume.
func (m *Manager) broadcast(workID string, frame Frame) {
	for sub := range m.subs[workID] {
		select {
		case sub.ch <- frame:
		default:
			m.logger.Warn("dropping slow subscriber", "work_id", workID)
			m.drop(workID, sub)
		}
	}
}

// drop removes and closes a subscriber. Callers hold m.mu.
func (m *Manager) drop(workID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(m.subs[workID], sub)
	close(sub.ch)
}
