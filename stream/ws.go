package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/scriptorium-ai/scriptorium/logging"
)

// SessionAPI is the slice of the engine the websocket surface needs: a
// handshake binding the caller's token to a work, a method to feed user
// input in, and one to abort the active run.
type SessionAPI interface {
	Open(ctx context.Context, token, workID string) error
	SendUserMessage(ctx context.Context, workID, text string) error
	Cancel(workID string) error
}

// clientCommand is what the browser sends over the socket.
type clientCommand struct {
	Type string `json:"type"` // "user_message" or "cancel"
	Text string `json:"text,omitempty"`
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WSServer bridges the frame stream onto WebSocket connections. One
// connection serves one work: history is replayed from the client's last
// seen sequence number, then live frames follow.
type WSServer struct {
	manager  *Manager
	sessions SessionAPI
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewWSServer constructs the websocket bridge.
func NewWSServer(manager *Manager, sessions SessionAPI, logger logging.Logger) *WSServer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &WSServer{
		manager:  manager,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 64 << 10,
		},
	}
}

// ServeHTTP handles GET <path>?work_id=...&after_seq=N. It upgrades the
// connection, replays persisted turns after after_seq and then forwards live
// frames until either side closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workID := r.URL.Query().Get("work_id")
	if workID == "" {
		http.Error(w, "work_id is required", http.StatusBadRequest)
		return
	}
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)

	if err := s.sessions.Open(r.Context(), r.URL.Query().Get("token"), workID); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	turns, frames, cancel, err := s.manager.Resume(r.Context(), workID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer cancel()

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "work_id", workID, "error", err.Error())
		return
	}
	defer raw.Close()
	conn := &safeConn{conn: raw}

	s.logger.Info("client attached", "work_id", workID, "after_seq", afterSeq, "replayed", len(turns))

	for i := range turns {
		frame := Frame{Type: FrameTurn, WorkID: workID, Seq: turns[i].Seq, Turn: &turns[i]}
		if err := s.writeFrame(conn, frame); err != nil {
			return
		}
	}

	// The reader doubles as the disconnect detector: when the client goes
	// away ReadMessage fails and the frame loop below unblocks immediately.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readCommands(r.Context(), conn, workID)
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-readerDone:
			return
		case frame, ok := <-frames:
			if !ok {
				conn.writeControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// safeConn serializes message writes. Frames and command replies come from
// different goroutines and a gorilla connection supports one writer at a
// time.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *safeConn) writeControl(messageType int, payload []byte) error {
	return c.conn.WriteControl(messageType, payload, time.Now().Add(writeTimeout))
}

func (s *WSServer) writeFrame(conn *safeConn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("encode frame failed", "error", err.Error())
		return err
	}
	return conn.writeMessage(data)
}

// readCommands pumps client commands into the engine until the socket
// breaks. Errors are reported to the client inline; a busy work (turn in
// flight) is not fatal for the connection.
func (s *WSServer) readCommands(ctx context.Context, conn *safeConn, workID string) {
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn("malformed client command", "work_id", workID, "error", err.Error())
			continue
		}
		switch cmd.Type {
		case "user_message":
			if err := s.sessions.SendUserMessage(ctx, workID, cmd.Text); err != nil {
				s.writeFrame(conn, Frame{Type: FrameError, WorkID: workID, Error: err.Error()})
			}
		case "cancel":
			if err := s.sessions.Cancel(workID); err != nil {
				s.writeFrame(conn, Frame{Type: FrameError, WorkID: workID, Error: err.Error()})
			}
		default:
			s.logger.Warn("unknown client command", "work_id", workID, "type", cmd.Type)
		}
	}
}
