package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/messaging"
	"agentcoord/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// POST /messages accepts a wire-format message and sends it over the bus.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg domain.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	msg = protocol.WithDefaults(msg)
	id, err := s.svc.Bus().Send(r.Context(), msg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id, "status": "sent"})
}

// POST /messages/{id}/ack
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/messages/")
	if len(parts) != 2 || parts[1] != "ack" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown message route"))
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.svc.Bus().Acknowledge(r.Context(), parts[0]); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": parts[0], "status": "acknowledged"})
}

// GET /agents/{name}/messages and /agents/{name}/stream.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/agents/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent route"))
		return
	}
	agent := parts[0]
	switch parts[1] {
	case "messages":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		msgs, err := s.svc.Bus().Fetch(r.Context(), agent, queryInt(r, "limit", messaging.DefaultFetchCount))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(msgs))
	case "stream":
		s.handleStream(w, r, agent)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

type streamAck struct {
	Ack string `json:"ack"`
}

// handleStream subscribes the agent's channel for the lifetime of the
// websocket. An agent that already has a subscriber is refused. A {"event": "subscribed"} frame is sent once delivery is live,
// then delivered messages are pushed as wire JSON. Client frames of the form
// {"ack": "<message id>"} acknowledge them.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, agent string) {
	if agent == s.svc.AgentName() {
		writeError(w, http.StatusConflict, fmt.Errorf("the %s inbox cannot be streamed", agent))
		return
	}
	bus := s.svc.Bus()
	if bus.Subscribed(agent) {
		writeError(w, http.StatusConflict, fmt.Errorf("agent %s already has a live subscriber", agent))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("stream upgrade failed agent=%s err=%v", agent, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outbox := make(chan domain.Message, streamBuffer)
	err = bus.Subscribe(ctx, agent, func(_ context.Context, msg domain.Message) {
		select {
		case outbox <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer func() {
		if err := bus.Unsubscribe(agent); err != nil {
			s.logger.Printf("stream unsubscribe failed agent=%s err=%v", agent, err)
		}
	}()
	s.logger.Printf("stream opened agent=%s", agent)
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(map[string]any{"event": "subscribed", "agent": agent}); err != nil {
		return
	}

	go s.readAcks(ctx, cancel, conn, agent)

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("stream closed agent=%s", agent)
			return
		case msg := <-outbox:
			data, err := protocol.Encode(msg)
			if err != nil {
				s.logger.Printf("stream encode failed agent=%s id=%s err=%v", agent, msg.ID, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Printf("stream write failed agent=%s err=%v", agent, err)
				return
			}
		}
	}
}

func (s *Server) readAcks(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, agent string) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		var frame streamAck
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Ack) == "" {
			s.logger.Printf("stream ignored frame agent=%s", agent)
			continue
		}
		if err := s.svc.Bus().Acknowledge(ctx, frame.Ack); err != nil {
			s.logger.Printf("stream ack failed agent=%s id=%s err=%v", agent, frame.Ack, err)
		}
	}
}
