package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/internal/supervisor"
)

const (
	outputWriteWait  = 10 * time.Second
	outputPongWait   = 60 * time.Second
	outputPingPeriod = outputPongWait * 9 / 10
)

// Output message types sent over the websocket
const (
	OutputLine = "line"
	OutputEnd  = "end"
)

// OutputMessage is one websocket frame of task output
type OutputMessage struct {
	Type   string            `json:"type"`
	Chunk  *supervisor.Chunk `json:"chunk,omitempty"`
	Status domain.TaskStatus `json:"status,omitempty"`
	// Partial is set on the end frame when earlier output was dropped
	Partial bool `json:"partial,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outputHandler streams a task's output from the first retained line until
// the process exits. Tasks only known to history replay their stored output.
func (s *Server) outputHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		cursor, err := s.opts.Pool.Output(id)
		var stored *domain.Task
		if err != nil {
			if !domain.IsNotFound(err) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			if s.opts.History == nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			task, herr := s.opts.History.GetTask(id)
			if herr != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			stored = &task
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Printf("[api] websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readUntilClose(conn, cancel)

		if stored != nil {
			s.replayStored(conn, *stored)
			return
		}
		s.streamCursor(ctx, conn, id, cursor)
	}
}

// readUntilClose drains client frames so pongs and close frames are handled
func readUntilClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(outputPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(outputPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) streamCursor(ctx context.Context, conn *websocket.Conn, id string, cursor *supervisor.Cursor) {
	chunks := make(chan supervisor.Chunk)
	go func() {
		defer close(chunks)
		for {
			chunk, ok := cursor.Next(ctx)
			if !ok {
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(outputPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(outputWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case chunk, ok := <-chunks:
			if !ok {
				end := OutputMessage{Type: OutputEnd, Partial: cursor.Skipped()}
				if task, err := s.opts.Pool.Status(id); err == nil {
					end.Status = task.Status
				}
				s.writeFrame(conn, end)
				closeNormal(conn)
				return
			}
			if err := s.writeFrame(conn, OutputMessage{Type: OutputLine, Chunk: &chunk}); err != nil {
				return
			}
		}
	}
}

func (s *Server) replayStored(conn *websocket.Conn, task domain.Task) {
	if task.Output != "" {
		for i, line := range strings.Split(task.Output, "\n") {
			chunk := supervisor.Chunk{Seq: i, Stream: supervisor.Stdout, Line: line}
			if task.CompletedAt != nil {
				chunk.At = *task.CompletedAt
			}
			if err := s.writeFrame(conn, OutputMessage{Type: OutputLine, Chunk: &chunk}); err != nil {
				return
			}
		}
	}
	s.writeFrame(conn, OutputMessage{Type: OutputEnd, Status: task.Status, Partial: task.OutputPartial})
	closeNormal(conn)
}

func (s *Server) writeFrame(conn *websocket.Conn, msg OutputMessage) error {
	conn.SetWriteDeadline(time.Now().Add(outputWriteWait))
	err := conn.WriteJSON(msg)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.log.Printf("[api] writing output frame: %v", err)
	}
	return err
}

func closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(outputWriteWait))
}
