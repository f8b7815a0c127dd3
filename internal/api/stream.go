package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mandarin/internal/chat"
	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/store"
)

// Frame is one streamed event, identical over SSE and WebSocket. T is
// the frame type: started, executing, evaluating, passed, retrying,
// chunk, done or error.
type Frame struct {
	T       string `json:"t"`
	Msg     string `json:"msg,omitempty"`
	C       string `json:"c,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Error   string `json:"error,omitempty"`
}

// frameFor maps a generation event to its wire frame. Result events
// have no frame; the done frame follows once the reply is stored.
// Status events go out as "executing", the name existing clients expect.
func frameFor(ev generate.Event) (Frame, bool) {
	switch ev.Kind {
	case generate.KindStatus:
		return Frame{T: "executing", Msg: ev.Message}, true
	case generate.KindChunk:
		return Frame{T: "chunk", C: ev.Text}, true
	case generate.KindEvaluating:
		return Frame{T: "evaluating", Attempt: ev.Attempt}, true
	case generate.KindPassed:
		return Frame{T: "passed", Attempt: ev.Attempt}, true
	case generate.KindRetrying:
		return Frame{T: "retrying", Attempt: ev.Attempt}, true
	}
	return Frame{}, false
}

// frameSink delivers frames to one client.
type frameSink interface {
	send(f Frame) error
}

// runTurn executes turn and streams it to sink as started, progress
// frames, then done or error.
func (s *Server) runTurn(ctx context.Context, turn *chat.Turn, sink frameSink) {
	log := s.logger.With("chat", turn.Chat.ID)
	send := func(f Frame) {
		if err := sink.send(f); err != nil {
			log.Debug("frame not delivered", "type", f.T, "error", err)
		}
	}

	send(Frame{T: "started"})
	reply, err := s.deps.Chat.Execute(ctx, turn, func(ev generate.Event) {
		if f, ok := frameFor(ev); ok {
			send(f)
		}
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("turn failed", "model", turn.ModelID, "error", err)
		}
		send(Frame{T: "error", Error: err.Error()})
		return
	}
	send(Frame{T: "done", ID: reply.MessageID, Title: reply.Title})
}

// sseSink writes frames as server-sent events.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (k *sseSink) send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return k.rc.Flush()
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, turn *chat.Turn) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	s.runTurn(r.Context(), turn, &sseSink{w: w, rc: http.NewResponseController(w)})
}

// socketRequest is a client message on the chat WebSocket. Type is
// "send" (the default) or "regenerate".
type socketRequest struct {
	Type string `json:"type"`
	chat.SendRequest
	MessageID string `json:"message_id"`
}

const socketWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSink writes frames as JSON text messages.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (k *wsSink) send(f Frame) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	return k.conn.WriteJSON(f)
}

// handleChatSocket serves one chat over a WebSocket. Each client
// request runs one turn; its frames are the same as the SSE stream's.
// Requests that arrive during a turn wait for it to finish. Closing
// the socket cancels the running turn.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.deps.Store.GetChat(r.Context(), chatID); err != nil {
		s.fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	requests := make(chan socketRequest)
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var req socketRequest
			if err := conn.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "chat", chatID, "error", err)
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	for req := range requests {
		turn, err := s.prepareSocketTurn(ctx, chatID, req)
		if err != nil {
			if err := sink.send(Frame{T: "error", Error: clientMessage(err)}); err != nil {
				return
			}
			continue
		}
		s.runTurn(ctx, turn, sink)
	}
}

func (s *Server) prepareSocketTurn(ctx context.Context, chatID string, req socketRequest) (*chat.Turn, error) {
	switch req.Type {
	case "", "send":
		return s.deps.Chat.PrepareSend(ctx, chatID, req.SendRequest)
	case "regenerate":
		return s.deps.Chat.PrepareRegenerate(ctx, chatID, chat.RegenerateRequest{
			MessageID: req.MessageID,
			ModelID:   req.ModelID,
		})
	}
	return nil, &chat.InputError{Msg: "unknown request type: " + req.Type}
}

// clientMessage is the text shown for an error that stops a request
// before streaming starts.
func clientMessage(err error) string {
	var ie *chat.InputError
	switch {
	case errors.As(err, &ie):
		return ie.Msg
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	}
	return err.Error()
}
