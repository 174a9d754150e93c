// Package ws is the live transport. It authenticates a socket, binds it to
// the gateway and pumps JSON frames both ways.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	nanoid "github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/logging"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

const (
	outboxSize   = 64
	writeTimeout = 5 * time.Second
	idLength     = 16

	defaultAuthTimeout = 10 * time.Second
	defaultPingEvery   = time.Minute
)

var (
	errAuthRequired = errors.New("first frame must be auth")
	errRateLimited  = errors.New("slow down")
)

// Gateway is what the transport needs from gateway.Gateway.
type Gateway interface {
	Connect(ctx context.Context, connID, tok string, outbox chan types.Envelope) (session.Session, error)
	Disconnect(connID string)
	HandleEvent(ctx context.Context, connID string, msg types.ClientMessage) error
}

type Sessions interface {
	Validate(tok string) (session.Session, error)
}

type Options struct {
	// OriginPatterns are passed to websocket.Accept; empty means same host only.
	OriginPatterns  []string
	EventsPerSecond float64
	EventBurst      int
	// AuthTimeout bounds the wait for an auth frame when no token came with
	// the upgrade request.
	AuthTimeout time.Duration
	// PingEvery is how often the server pings; a missed pong drops the socket.
	PingEvery time.Duration
}

type Handler struct {
	gw       Gateway
	sessions Sessions
	opts     Options
	log      *zap.Logger
	newID    func() string
}

func NewHandler(gw Gateway, sessions Sessions, opts Options, log *zap.Logger) (*Handler, error) {
	newID, err := nanoid.Standard(idLength)
	if err != nil {
		return nil, err
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 5
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 10
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.PingEvery <= 0 {
		opts.PingEvery = defaultPingEvery
	}
	return &Handler{
		gw:       gw,
		sessions: sessions,
		opts:     opts,
		log:      logging.OrNop(log).Named("ws"),
		newID:    newID,
	}, nil
}

// tokenFrom reads ?token= first, then the Authorization header.
func tokenFrom(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := tokenFrom(r)
	if tok != "" {
		// Refuse before upgrading so the client sees a plain 401.
		if _, err := h.sessions.Validate(tok); err != nil {
			http.Error(w, err.Error(), apperr.HTTPStatus(err))
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if tok == "" {
		tok, err = h.awaitAuth(ctx, conn)
		if err != nil {
			h.reject(ctx, conn, err)
			return
		}
	}

	connID := h.newID()
	outbox := make(chan types.Envelope, outboxSize)
	s, err := h.gw.Connect(ctx, connID, tok, outbox)
	if err != nil {
		h.reject(ctx, conn, err)
		return
	}
	defer h.gw.Disconnect(connID)

	log := h.log.With(zap.String("conn", connID), zap.String("campaign", s.CampaignID))
	go h.writeLoop(ctx, cancel, conn, outbox, log)

	err = h.readLoop(ctx, conn, connID)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Debug("client closed")
	default:
		if ctx.Err() == nil {
			log.Debug("read loop ended", zap.Error(err))
		}
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

func (h *Handler) awaitAuth(ctx context.Context, conn *websocket.Conn) (string, error) {
	actx, cancel := context.WithTimeout(ctx, h.opts.AuthTimeout)
	defer cancel()

	var msg types.ClientMessage
	if err := wsjson.Read(actx, conn, &msg); err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err)
	}
	if msg.Event != types.EvtAuth {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, errAuthRequired)
	}
	var p types.AuthPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.Token == "" {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, errAuthRequired)
	}
	return p.Token, nil
}

// reject sends one error frame and closes with a policy violation.
func (h *Handler) reject(ctx context.Context, conn *websocket.Conn, err error) {
	h.writeError(ctx, conn, apperr.Code(err), err.Error())
	conn.Close(websocket.StatusPolicyViolation, apperr.Code(err))
}

func (h *Handler) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(wctx, conn, types.New(types.EvtError, types.ErrorPayload{Code: code, Message: msg}))
}

// writeLoop drains the outbox. The room closes the outbox when it drops this
// connection or shuts down, which ends the socket.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbox <-chan types.Envelope, log *zap.Logger) {
	defer cancel()
	ping := time.NewTicker(h.opts.PingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-outbox:
			if !ok {
				log.Debug("outbox closed")
				conn.Close(websocket.StatusGoingAway, "room closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			wcancel()
			if err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, h.opts.PingEvery)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, connID string) error {
	limiter := rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.EventBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if !limiter.Allow() {
			h.writeError(ctx, conn, "rate_limited", errRateLimited.Error())
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			h.writeError(ctx, conn, apperr.Code(apperr.ErrInvalidArgument), "malformed frame")
			continue
		}

		if err := h.gw.HandleEvent(ctx, connID, msg); err != nil {
			// Unbound: the room is gone, so answer here and hang up.
			h.writeError(ctx, conn, apperr.Code(err), err.Error())
			return err
		}
	}
}
