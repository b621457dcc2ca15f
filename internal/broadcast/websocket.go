package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 4096
	sendBufferSize = 64
)

const (
	actionJoin  = "join"
	actionLeave = "leave"

	frameJoined = "joined"
	frameLeft   = "left"
	frameError  = "error"
	frameEvent  = "event"
)

// RoomAuthorizer decides whether a principal may watch a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, p auth.Principal, room Room, id string) error
}

type clientFrame struct {
	Action string `json:"action"`
	Room   Room   `json:"room"`
	ID     string `json:"id"`
}

type serverFrame struct {
	Type string      `json:"type"`
	Room Room        `json:"room,omitempty"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

// WebSocketHandler lets authenticated viewers join rooms over a socket.
// It expects the auth middleware to have put a Principal on the request.
type WebSocketHandler struct {
	hub      *Hub
	authz    RoomAuthorizer
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, authz RoomAuthorizer, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:   hub,
		authz: authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the frontend origin; access is decided by the token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Problem initiating websocket")
		return
	}

	s := &session{
		conn:      conn,
		principal: principal,
		handler:   h,
		send:      make(chan serverFrame, sendBufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		subs:      make(map[string]func()),
		logger:    h.logger.With().Str("user_id", principal.UserID).Logger(),
	}
	s.run(r.Context())
}

type session struct {
	conn      *websocket.Conn
	principal auth.Principal
	handler   *WebSocketHandler
	send      chan serverFrame
	done      chan struct{}
	stopped   chan struct{}
	logger    zerolog.Logger

	mu   sync.Mutex
	subs map[string]func()
}

func (s *session) run(ctx context.Context) {
	s.logger.Debug().Msg("Viewer connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop(ctx)

	close(s.done)
	s.unsubscribeAll()
	wg.Wait()
	s.conn.Close()

	s.logger.Debug().Msg("Viewer disconnected")
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Websocket receive error")
			}
			return
		}

		switch frame.Action {
		case actionJoin:
			s.join(ctx, frame)
		case actionLeave:
			s.leave(frame)
		default:
			s.reply(serverFrame{Type: frameError, Room: frame.Room, ID: frame.ID, Data: errorData{Message: "unknown action"}})
		}
	}
}

func (s *session) writeLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write frame")
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// Expected when the other end goes away; closing unblocks the reader.
				s.logger.Debug().Err(err).Msg("Failed to write ping")
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) join(ctx context.Context, frame clientFrame) {
	if !frame.Room.Valid() || frame.ID == "" {
		s.reply(serverFrame{Type: frameError, Room: frame.Room, ID: frame.ID, Data: errorData{Message: "room and id are required"}})
		return
	}

	if err := s.handler.authz.AuthorizeRoom(ctx, s.principal, frame.Room, frame.ID); err != nil {
		s.logger.Info().Err(err).Str("room", string(frame.Room)).Str("id", frame.ID).Msg("Room admission refused")
		s.reply(serverFrame{Type: frameError, Room: frame.Room, ID: frame.ID, Data: errorData{Message: err.Error()}})
		return
	}

	key := topic(frame.Room, frame.ID)
	s.mu.Lock()
	if _, joined := s.subs[key]; !joined {
		room, id := frame.Room, frame.ID
		s.subs[key] = s.handler.hub.Subscribe(room, id, func(event models.FieldEvent) {
			s.reply(serverFrame{Type: frameEvent, Room: room, ID: id, Data: event})
		})
	}
	s.mu.Unlock()

	s.reply(serverFrame{Type: frameJoined, Room: frame.Room, ID: frame.ID})
}

func (s *session) leave(frame clientFrame) {
	key := topic(frame.Room, frame.ID)
	s.mu.Lock()
	if unsubscribe, ok := s.subs[key]; ok {
		unsubscribe()
		delete(s.subs, key)
	}
	s.mu.Unlock()

	s.reply(serverFrame{Type: frameLeft, Room: frame.Room, ID: frame.ID})
}

func (s *session) unsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, unsubscribe := range s.subs {
		unsubscribe()
		delete(s.subs, key)
	}
}

// reply queues a frame for the writer, giving up once the session ends.
func (s *session) reply(frame serverFrame) {
	select {
	case s.send <- frame:
	case <-s.done:
	case <-s.stopped:
	}
}
