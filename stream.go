package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// streamGroup tracks open websocket streams. The HTTP server does not wait
// for hijacked connections, so shutdown closes and waits for them here.
type streamGroup struct {
	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// add registers conn. It reports false once the group is closing.
func (g *streamGroup) add(conn *websocket.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing {
		return false
	}
	if g.conns == nil {
		g.conns = make(map[*websocket.Conn]struct{})
	}
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *streamGroup) remove(conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	g.wg.Done()
}

// closeAll sends a going-away close frame to every stream and closes it. A
// frame already being predicted finishes first; its reply is dropped.
func (g *streamGroup) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closing = true
	for conn := range g.conns {
		goingAway(conn)
		conn.Close()
	}
}

// wait blocks until every stream handler has returned or ctx ends.
func (g *streamGroup) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func goingAway(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleStream runs the predict pipeline once per websocket message. Each
// message is one encoded image and gets exactly one JSON reply.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if !s.streams.add(conn) {
		goingAway(conn)
		return
	}
	defer s.streams.remove(conn)

	// The server read/write timeouts are for plain requests, not streams.
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	if s.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.MaxFrameBytes)
	}

	streamID := r.Header.Get(requestIDHeader)
	s.Log.WithField("request_id", streamID).Info("stream opened")

	for frame := 1; ; frame++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.WithField("request_id", streamID).WithError(err).Warn("stream closed unexpectedly")
			}
			return
		}

		var reply any
		if len(data) == 0 {
			reply = ErrorResponse{Error: MsgNoFile}
		} else {
			frameID := fmt.Sprintf("%s/%d", streamID, frame)
			resp, err := s.predict(r.Context(), data, frameID)
			if err != nil {
				s.logPredictionError(frameID, err)
				reply = ErrorResponse{Error: MsgPredictionFailed, Details: err.Error()}
			} else {
				reply = resp
			}
		}

		if err := conn.WriteJSON(reply); err != nil {
			s.Log.WithField("request_id", streamID).WithError(err).Warn("stream write failed")
			return
		}
	}
}
