// Package ws exposes the reviewer websocket surface. Each reviewer holds one
// connection; the server pushes assignments and warnings down it and accepts
// task actions back.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparkai/dispatch/internal/app/gateway"
	"github.com/sparkai/dispatch/internal/domain/review"
	"github.com/sparkai/dispatch/pkg/common/logger"
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 16 * 1024

// Config holds the websocket transport knobs.
type Config struct {
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PongWait is how long to wait for a pong before dropping the session.
	// Pings go out at 9/10 of this interval.
	PongWait time.Duration

	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
}

// Server upgrades reviewer connections and bridges them to the gateway
// session boundary.
type Server struct {
	router   *chi.Mux
	svc      gateway.Service
	cfg      Config
	upgrader websocket.Upgrader

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer builds the websocket router.
func NewServer(cfg Config, svc gateway.Service, log *logger.Logger, tracer trace.Tracer) *Server {
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: log.With("component", "ws"),
		tracer: tracer,
	}

	s.router.Get("/v1/reviewers/{reviewerID}/stream", s.handleStream)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reviewerID, err := uuid.Parse(chi.URLParam(r, "reviewerID"))
	if err != nil {
		http.Error(w, "invalid reviewer id", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.Start(ctx, "ws.stream",
		trace.WithAttributes(attribute.String("reviewer_id", reviewerID.String())))
	defer span.End()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(ctx, "websocket upgrade failed",
			"reviewer_id", reviewerID.String(), "error", err)
		return
	}

	stream := newStream(conn, s.cfg)
	go stream.writePump()

	if err := s.svc.Connect(ctx, reviewerID, stream); err != nil {
		s.logger.Warn(ctx, "reviewer connection rejected",
			"reviewer_id", reviewerID.String(), "error", err)
		stream.closeWith(websocket.ClosePolicyViolation, connectRejectReason(err))
		return
	}

	s.logger.Info(ctx, "reviewer connected", "reviewer_id", reviewerID.String())
	s.readLoop(ctx, reviewerID, conn, stream)

	// The read loop owns session teardown. Use a fresh context; the request
	// context is gone once the loop exits.
	if err := s.svc.Disconnect(context.Background(), reviewerID); err != nil {
		s.logger.Error(context.Background(), "disconnect cleanup failed",
			"reviewer_id", reviewerID.String(), "error", err)
	}
	_ = stream.Close()
	s.logger.Info(context.Background(), "reviewer disconnected", "reviewer_id", reviewerID.String())
}

func connectRejectReason(err error) string {
	if errors.Is(err, review.ErrReviewerSuspended) {
		return "account suspended"
	}
	if errors.Is(err, review.ErrReviewerNotFound) {
		return "unknown reviewer"
	}
	return "connection rejected"
}

// inboundMessage is a reviewer-to-server action frame.
type inboundMessage struct {
	Action    string    `json:"action"`
	TaskID    uuid.UUID `json:"task_id,omitempty"`
	ResumeURL string    `json:"resume_url,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Presence  string    `json:"presence,omitempty"`
}

// Inbound actions reviewer clients may send.
const (
	actionStartTask    = "task.start"
	actionCompleteTask = "task.complete"
	actionFailTask     = "task.fail"
	actionSetPresence  = "presence.set"
)

func (s *Server) readLoop(ctx context.Context, reviewerID uuid.UUID, conn *websocket.Conn, stream *wsStream) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if err := s.svc.Heartbeat(ctx, reviewerID); err != nil {
			s.logger.Error(ctx, "heartbeat failed",
				"reviewer_id", reviewerID.String(), "error", err)
		}
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn(ctx, "websocket read failed",
					"reviewer_id", reviewerID.String(), "error", err)
			}
			return
		}
		s.handleAction(ctx, reviewerID, stream, msg)
	}
}

func (s *Server) handleAction(ctx context.Context, reviewerID uuid.UUID, stream *wsStream, msg inboundMessage) {
	var err error
	switch msg.Action {
	case actionStartTask:
		err = s.svc.StartTask(ctx, reviewerID, msg.TaskID)
	case actionCompleteTask:
		err = s.svc.CompleteTask(ctx, reviewerID, msg.TaskID, msg.ResumeURL, msg.Notes)
	case actionFailTask:
		err = s.svc.FailTask(ctx, reviewerID, msg.TaskID, msg.Reason)
	case actionSetPresence:
		err = s.svc.SetPresence(ctx, reviewerID, review.ParsePresence(msg.Presence))
	default:
		err = errors.New("unknown action")
	}

	ack := gateway.OutboundMessage{
		Type: "ack",
		Payload: map[string]any{
			"action":  msg.Action,
			"task_id": msg.TaskID,
		},
	}
	if err != nil {
		s.logger.Warn(ctx, "reviewer action failed",
			"reviewer_id", reviewerID.String(), "action", msg.Action, "error", err)
		ack = gateway.OutboundMessage{
			Type: "error",
			Payload: map[string]any{
				"action": msg.Action,
				"error":  err.Error(),
			},
		}
	}
	if sendErr := stream.Send(ctx, ack); sendErr != nil {
		s.logger.Error(ctx, "failed to ack action",
			"reviewer_id", reviewerID.String(), "error", sendErr)
	}
}

var _ gateway.ReviewerStream = (*wsStream)(nil)

// wsStream adapts a gorilla connection to the gateway stream contract. All
// writes funnel through the send channel so a single goroutine owns the
// connection's write side.
type wsStream struct {
	conn *websocket.Conn
	cfg  Config

	send chan gateway.OutboundMessage
	done chan struct{}
	once sync.Once
}

func newStream(conn *websocket.Conn, cfg Config) *wsStream {
	return &wsStream{
		conn: conn,
		cfg:  cfg,
		send: make(chan gateway.OutboundMessage, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues one message for the write pump. It fails once the stream is
// closed or the outbound queue stays full past the context deadline.
func (st *wsStream) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	select {
	case st.send <- msg:
		return nil
	case <-st.done:
		return errors.New("stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down. Safe to call more than once.
func (st *wsStream) Close() error {
	st.once.Do(func() { close(st.done) })
	return st.conn.Close()
}

func (st *wsStream) closeWith(code int, reason string) {
	deadline := time.Now().Add(st.cfg.WriteTimeout)
	_ = st.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = st.Close()
}

func (st *wsStream) writePump() {
	pingPeriod := st.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(st.cfg.WriteTimeout))
			if err := st.conn.WriteJSON(msg); err != nil {
				_ = st.Close()
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(st.cfg.WriteTimeout))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = st.Close()
				return
			}
		case <-st.done:
			return
		}
	}
}
