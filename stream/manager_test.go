package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	"github.com/scriptorium-ai/scriptorium/transcript"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) (*Manager, *transcript.MemoryStore) {
	t.Helper()
	store := transcript.NewMemoryStore()
	if err := store.CreateWork(context.Background(), transcript.Work{ID: "work-1"}); err != nil {
		t.Fatalf("create work: %v", err)
	}
	return NewManager(store, nil), store
}

// pump feeds the events through the manager on a goroutine and returns a
// join func.
func pump(t *testing.T, m *Manager, events <-chan core.Event) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Pump(context.Background(), "work-1", events) }()
	return func() {
		t.Helper()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("pump: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pump did not finish")
		}
	}
}

func recvFrame(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		if !ok {
			t.Fatal("frame channel closed unexpectedly")
		}
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func TestManager_StreamedTurnLifecycle(t *testing.T) {
	m, store := newTestManager(t)
	frames, cancel := m.Subscribe("work-1")
	defer cancel()

	block := core.NewCallBlock("inv-1", "file_read", []byte(`{"path":"a.md"}`))
	events := make(chan core.Event, 8)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventContent, Delta: "Let me "}
	events <- core.Event{Type: core.EventContent, Delta: "look."}
	events <- core.Event{Type: core.EventJSONBlock, Block: &block}
	events <- core.Event{Type: core.EventComplete, TurnID: "t1"}
	close(events)
	join := pump(t, m, events)

	want := []FrameType{FrameStart, FrameDelta, FrameDelta, FrameBlock, FrameComplete}
	for i, wantType := range want {
		frame := recvFrame(t, frames)
		if frame.Type != wantType {
			t.Fatalf("frame %d: got %s, want %s", i, frame.Type, wantType)
		}
		if frame.Seq != 1 {
			t.Fatalf("frame %d: seq %d, want 1", i, frame.Seq)
		}
	}
	join()

	turns, err := store.List(context.Background(), "work-1", 0)
	if err != nil || len(turns) != 1 {
		t.Fatalf("list: %v, %d turns", err, len(turns))
	}
	if turns[0].Content != "Let me look." {
		t.Fatalf("deltas not accumulated: %q", turns[0].Content)
	}
	if len(turns[0].Blocks) != 1 || turns[0].Blocks[0].Type != core.BlockCall {
		t.Fatalf("block not persisted: %+v", turns[0].Blocks)
	}
}

func TestManager_BlockPersistedBeforeForward(t *testing.T) {
	m, store := newTestManager(t)
	frames, cancel := m.Subscribe("work-1")
	defer cancel()

	block := core.NewStatusBlock("working", "fitting model")
	events := make(chan core.Event, 4)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventJSONBlock, Block: &block}
	close(events)
	join := pump(t, m, events)

	recvFrame(t, frames) // start
	frame := recvFrame(t, frames)
	if frame.Type != FrameBlock {
		t.Fatalf("got %s, want block frame", frame.Type)
	}

	// by the time the frame is visible, the block must already be durable
	turns, err := store.List(context.Background(), "work-1", 0)
	if err != nil || len(turns) != 1 {
		t.Fatalf("list: %v", err)
	}
	if len(turns[0].Blocks) != 1 {
		t.Fatal("block frame forwarded before persistence")
	}
	join()
}

func TestManager_ResumeReplaysWithoutGaps(t *testing.T) {
	m, store := newTestManager(t)

	events := make(chan core.Event, 8)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventContent, Delta: "first answer"}
	events <- core.Event{Type: core.EventComplete, TurnID: "t1"}
	close(events)
	pump(t, m, events)()

	replay, frames, cancel, err := m.Resume(context.Background(), "work-1", 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer cancel()
	if len(replay) != 1 || replay[0].Seq != 1 || replay[0].Content != "first answer" {
		t.Fatalf("bad replay: %+v", replay)
	}
	select {
	case frame := <-frames:
		t.Fatalf("unexpected live frame after full replay: %+v", frame)
	default:
	}

	// a second run streams live to the resumed subscriber
	events = make(chan core.Event, 8)
	events <- core.Event{Type: core.EventStart, TurnID: "t2", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventComplete, TurnID: "t2"}
	close(events)
	join := pump(t, m, events)

	if frame := recvFrame(t, frames); frame.Type != FrameStart || frame.Seq != 2 {
		t.Fatalf("bad live frame: %+v", frame)
	}
	join()

	if last, _ := store.LastSeq(context.Background(), "work-1"); last != 2 {
		t.Fatalf("last seq %d, want 2", last)
	}
}

func TestManager_ResumeMidStreamSnapshotsLiveTurn(t *testing.T) {
	m, _ := newTestManager(t)

	sync, syncCancel := m.Subscribe("work-1")
	defer syncCancel()

	events := make(chan core.Event, 8)
	join := pump(t, m, events)

	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventContent, Delta: "partial prose"}
	recvFrame(t, sync) // start handled
	recvFrame(t, sync) // delta handled

	replay, frames, cancel, err := m.Resume(context.Background(), "work-1", 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer cancel()

	if len(replay) != 1 {
		t.Fatalf("replay should carry the persisted in-flight turn: %+v", replay)
	}
	snapshot := recvFrame(t, frames)
	if snapshot.Type != FrameTurn || snapshot.Turn == nil || snapshot.Turn.Content != "partial prose" {
		t.Fatalf("bad live snapshot: %+v", snapshot)
	}

	events <- core.Event{Type: core.EventContent, Delta: " continues"}
	if frame := recvFrame(t, frames); frame.Type != FrameDelta || frame.Delta != " continues" {
		t.Fatalf("bad post-resume delta: %+v", frame)
	}

	events <- core.Event{Type: core.EventComplete, TurnID: "t1"}
	close(events)
	join()
}

func TestManager_FreezePersistsCancelledTurn(t *testing.T) {
	m, store := newTestManager(t)

	sync, syncCancel := m.Subscribe("work-1")
	defer syncCancel()

	events := make(chan core.Event, 8)
	join := pump(t, m, events)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventContent, Delta: "half a thought"}
	recvFrame(t, sync)
	recvFrame(t, sync)

	if err := m.Freeze(context.Background(), "work-1", "user cancelled"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	close(events)
	join()

	turns, err := store.List(context.Background(), "work-1", 0)
	if err != nil || len(turns) != 1 {
		t.Fatalf("list: %v", err)
	}
	frozen := turns[0]
	if frozen.Content != "half a thought" {
		t.Fatalf("partial prose lost: %q", frozen.Content)
	}
	status := frozen.BlocksOfType(core.BlockStatus)
	if len(status) != 1 {
		t.Fatalf("missing cancelled block: %+v", frozen.Blocks)
	}
	var payload core.StatusPayload
	if err := status[0].DecodePayload(&payload); err != nil || payload.State != "cancelled" {
		t.Fatalf("bad status payload: %+v err %v", payload, err)
	}
}

func TestManager_ErrorEventRecordedInTranscript(t *testing.T) {
	m, store := newTestManager(t)

	events := make(chan core.Event, 8)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventError, Err: errors.New("model unavailable")}
	close(events)
	pump(t, m, events)()

	turns, _ := store.List(context.Background(), "work-1", 0)
	if len(turns) != 1 || len(turns[0].BlocksOfType(core.BlockError)) != 1 {
		t.Fatalf("error not anchored in transcript: %+v", turns)
	}
}

func TestManager_ErrorBlockKeepsFailureClass(t *testing.T) {
	m, store := newTestManager(t)

	events := make(chan core.Event, 8)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	events <- core.Event{Type: core.EventError, Err: &core.TransportError{Op: "complete", Err: errors.New("upstream 500")}}
	close(events)
	pump(t, m, events)()

	turns, _ := store.List(context.Background(), "work-1", 0)
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	blocks := turns[0].BlocksOfType(core.BlockError)
	if len(blocks) != 1 {
		t.Fatalf("error block missing: %+v", turns[0])
	}
	var payload core.ErrorPayload
	if err := blocks[0].DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Code != "TRANSPORT_ERROR" {
		t.Fatalf("code = %q, want TRANSPORT_ERROR", payload.Code)
	}
}

func TestManager_SlowSubscriberDropped(t *testing.T) {
	m, _ := newTestManager(t)
	frames, cancel := m.Subscribe("work-1")
	defer cancel()

	events := make(chan core.Event, subscriberBuffer*2+2)
	events <- core.Event{Type: core.EventStart, TurnID: "t1", Role: core.RoleAgent, Author: "orchestrator"}
	for i := 0; i < subscriberBuffer*2; i++ {
		events <- core.Event{Type: core.EventContent, Delta: "x"}
	}
	events <- core.Event{Type: core.EventComplete, TurnID: "t1"}
	close(events)
	pump(t, m, events)()

	// nobody read: the channel must have been closed by the manager
	received := 0
	for range frames {
		received++
	}
	if received > subscriberBuffer {
		t.Fatalf("received %d frames from a dropped subscriber", received)
	}
}
