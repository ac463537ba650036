// Package server exposes presence and chat to browsers over websockets.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/comigor/rfpdesk/internal/config"
	"github.com/comigor/rfpdesk/internal/conversation"
	"github.com/comigor/rfpdesk/internal/llm"
	"github.com/comigor/rfpdesk/internal/logger"
	"github.com/comigor/rfpdesk/internal/presence"
	"github.com/comigor/rfpdesk/internal/transport"
)

// Server routes browser connections to per-connection registries and
// conversation stores.
type Server struct {
	cfg      *config.Config
	hub      transport.Hub
	history  conversation.Backend
	streamer llm.Streamer
	upgrader websocket.Upgrader
	router   *mux.Router
	log      *slog.Logger
}

// New creates a server; Handler returns its routes.
func New(cfg *config.Config, hub transport.Hub, history conversation.Backend, streamer llm.Streamer) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		history:  history,
		streamer: streamer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		router: mux.NewRouter(),
		log:    logger.With("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/documents/{document_id}/presence", s.presence).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/chat", s.chat).Methods(http.MethodGet)
}

// Handler returns the routed, request-logging handler.
func (s *Server) Handler() http.Handler {
	return logRequests(s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) wsConfig() transport.WebSocketConfig {
	return transport.WebSocketConfig{
		PingInterval:   s.cfg.WebSocket.PingInterval,
		PongWait:       s.cfg.WebSocket.PongWait,
		WriteWait:      s.cfg.WebSocket.WriteWait,
		MaxMessageSize: s.cfg.WebSocket.MaxMessageSize,
	}
}

// presence handles GET /ws/documents/{document_id}/presence?user_id=&user_name=
func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	docID, err := strconv.ParseInt(mux.Vars(r)["document_id"], 10, 64)
	if err != nil || docID <= 0 {
		http.Error(w, "invalid document_id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	self := presence.Identity{UserID: userID, UserName: r.URL.Query().Get("user_name")}

	ctx := r.Context()
	doc, err := s.hub.Join(ctx, transport.DocumentTopic(docID))
	if err != nil {
		s.log.Error("join document channel failed", "document_id", docID, "error", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	defer doc.Close()

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	browser := transport.NewWebSocket(c, s.wsConfig())
	defer browser.Close()

	log := s.log.With("document_id", docID, "user_id", userID, "conn_id", browser.ID)
	log.Info("presence connected")

	reg := presence.NewRegistry(doc, self,
		presence.WithStaleAfter(s.cfg.Presence.StaleAfter),
		presence.WithSweepInterval(s.cfg.Presence.SweepInterval),
		presence.WithOnChange(func(records []presence.CursorRecord) {
			if err := browser.Send(ctx, newPresenceMessage(records)); err != nil {
				log.Debug("push presence failed", "error", err)
			}
		}))
	reg.Start(ctx)
	defer reg.Stop()
	defer reg.Leave(context.WithoutCancel(ctx))

	browser.Send(ctx, newPresenceMessage(reg.Snapshot()))

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-browser.Frames():
			if !ok {
				log.Info("presence disconnected")
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				browser.Send(ctx, newErrorMessage("invalid message format"))
				continue
			}
			switch msg.Type {
			case MsgCursorMove:
				reg.Send(ctx, msg.SectionID, msg.Position)
			case MsgLeave:
				log.Info("presence left")
				return
			default:
				browser.Send(ctx, newErrorMessage("unknown message type: "+msg.Type))
			}
		}
	}
}

// chat handles GET /ws/chat?rfp_id=
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var opts []conversation.Option
	if raw := r.URL.Query().Get("rfp_id"); raw != "" {
		rfpID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid rfp_id", http.StatusBadRequest)
			return
		}
		opts = append(opts, conversation.WithRFPID(rfpID))
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	browser := transport.NewWebSocket(c, s.wsConfig())
	defer browser.Close()

	ctx, cancel := context.WithCancel(r.Context())
	log := s.log.With("conn_id", browser.ID)
	log.Info("chat connected")

	opts = append(opts, conversation.WithOnChange(func(state conversation.State) {
		if err := browser.Send(ctx, newChatStateMessage(state)); err != nil {
			log.Debug("push chat state failed", "error", err)
		}
	}))
	store := conversation.NewStore(s.history, s.streamer, opts...)

	// cancelling ends any exchange still streaming before the wait
	var sends sync.WaitGroup
	defer sends.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-browser.Frames():
			if !ok {
				log.Info("chat disconnected")
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				browser.Send(ctx, newErrorMessage("invalid message format"))
				continue
			}
			switch msg.Type {
			case MsgLoadSessions:
				store.LoadSessions(ctx)
			case MsgCreateSession:
				store.CreateSession(ctx)
			case MsgSelectSession:
				store.SelectSession(ctx, msg.SessionID)
			case MsgDeleteSession:
				store.DeleteSession(ctx, msg.SessionID)
			case MsgSendMessage:
				if strings.TrimSpace(msg.Question) == "" {
					browser.Send(ctx, newErrorMessage("question is required"))
					continue
				}
				sends.Add(1)
				go func(question string) {
					defer sends.Done()
					if !store.SendMessage(ctx, question) {
						browser.Send(ctx, newErrorMessage("a response is already streaming"))
					}
				}(msg.Question)
			case MsgStopStreaming:
				store.StopStreaming()
			default:
				browser.Send(ctx, newErrorMessage("unknown message type: "+msg.Type))
			}
		}
	}
}
