// Package gateway binds live connections to sessions and campaign rooms. It
// is the only component that knows which connection belongs to which
// campaign; everything else addresses campaigns.
package gateway

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/hub"
	"github.com/DoyleJ11/dungeon-table/internal/logging"
	"github.com/DoyleJ11/dungeon-table/internal/metrics"
	"github.com/DoyleJ11/dungeon-table/internal/narrator"
	"github.com/DoyleJ11/dungeon-table/internal/room"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/store"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

var (
	ErrNotBound     = fmt.Errorf("%w: connection is not authenticated", apperr.ErrUnauthenticated)
	ErrUnknownEvent = fmt.Errorf("%w: unknown event", apperr.ErrInvalidArgument)
	ErrEmptyContent = fmt.Errorf("%w: content must not be empty", apperr.ErrInvalidArgument)
)

const (
	dmSenderID   = "dm"
	dmSenderName = "Dungeon Master"
	systemID     = "system"
	systemName   = "System"

	teardownTimeout = 5 * time.Second
)

// Store is the persistence the gateway needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, error)
	SaveMessage(ctx context.Context, m store.Message) (store.Message, error)
	GetMessages(ctx context.Context, campaignID string, limit int) ([]store.Message, error)
	UpdateCombat(ctx context.Context, campaignID string, active bool, order []string) error
	SetPaused(ctx context.Context, campaignID string, paused bool) error
	CreateCharacter(ctx context.Context, campaignID, playerID, playerName string, in store.NewCharacter) (store.Character, error)
	UpdateCharacter(ctx context.Context, campaignID, id string, patch store.CharacterPatch) (store.Character, error)
}

type Narrator interface {
	Generate(ctx context.Context, prompt, system string, history []narrator.Turn) (string, error)
}

type Config struct {
	NarrationTimeout time.Duration
	HistoryLimit     int
	// Roller rolls initiative; nil uses engine.DefaultRoller.
	Roller engine.Roller
}

type Deps struct {
	Sessions *session.Registry
	Store    Store
	Narrator Narrator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Config   Config
}

type binding struct {
	token      string
	campaignID string
	playerID   string
	playerName string
	room       *room.Room
}

type Gateway struct {
	sessions *session.Registry
	hub      *hub.Hub
	store    Store
	narrator Narrator
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	loads singleflight.Group

	mu       sync.Mutex
	bindings map[string]binding

	// Background work (narration) runs on ctx and is tracked by wg.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(parent context.Context, d Deps) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	cfg := d.Config
	if cfg.NarrationTimeout <= 0 {
		cfg.NarrationTimeout = 120 * time.Second
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.Roller == nil {
		cfg.Roller = engine.DefaultRoller
	}

	g := &Gateway{
		sessions: d.Sessions,
		store:    d.Store,
		narrator: d.Narrator,
		log:      logging.OrNop(d.Logger).Named("gateway"),
		metrics:  d.Metrics,
		cfg:      cfg,
		bindings: make(map[string]binding),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.hub = hub.NewHub(ctx, room.WithDropHandler(g.dropped))
	return g
}

// dropped runs when a room gives up on a slow connection. The room has
// already closed the outbox; the transport notices and calls Disconnect.
func (g *Gateway) dropped(connID string) {
	g.metrics.Drop()
	g.log.Warn("dropped slow connection", zap.String("conn", connID))
}

// Connect validates tok and joins connID to its campaign room. On success
// the connection receives a game_state snapshot on outbox and the rest of the
// room receives player_joined. Any failure leaves nothing registered.
func (g *Gateway) Connect(ctx context.Context, connID, tok string, outbox chan types.Envelope) (session.Session, error) {
	s, err := g.sessions.Validate(tok)
	if err != nil {
		return session.Session{}, err
	}
	if _, err := g.campaign(ctx, s.CampaignID); err != nil {
		return session.Session{}, err
	}

	rm, err := g.hub.Ensure(ctx, s.CampaignID, engine.NewIdleState(s.CampaignID))
	if err != nil {
		return session.Session{}, err
	}

	g.mu.Lock()
	if _, dup := g.bindings[connID]; dup {
		g.mu.Unlock()
		return session.Session{}, fmt.Errorf("%w: connection %s already bound", apperr.ErrInvalidState, connID)
	}
	g.bindings[connID] = binding{
		token:      tok,
		campaignID: s.CampaignID,
		playerID:   s.PlayerID,
		playerName: s.PlayerName,
		room:       rm,
	}
	g.mu.Unlock()
	g.sessions.MarkConnected(tok, true)

	announce := types.New(types.EvtPlayerJoined, types.PlayerPresence{PlayerID: s.PlayerID, PlayerName: s.PlayerName})
	welcome := func(v room.View) (types.Envelope, error) {
		// Read inside the room so the snapshot is ordered with other mutations.
		c, err := g.store.GetCampaign(ctx, s.CampaignID)
		if err != nil {
			return types.Envelope{}, err
		}
		return types.New(types.EvtGameState, types.GameState{
			Campaign: c,
			Combat:   v.Combat,
			Players:  g.players(s.CampaignID),
			Version:  v.Version,
		}), nil
	}

	if err := rm.Join(ctx, connID, outbox, welcome, &announce); err != nil {
		g.unbind(connID)
		g.sessions.MarkConnected(tok, false)
		return session.Session{}, err
	}

	g.metrics.Connected()
	g.log.Info("connection joined",
		zap.String("conn", connID),
		zap.String("campaign", s.CampaignID),
		zap.String("player", s.PlayerID),
		zap.Bool("dm", s.IsDM),
	)
	return s, nil
}

// Disconnect is idempotent: unknown or already-disconnected connections are a
// no-op. The session stays cached so the token can reconnect.
func (g *Gateway) Disconnect(connID string) {
	b, ok := g.unbind(connID)
	if !ok {
		return
	}
	g.sessions.MarkConnected(b.token, false)
	g.metrics.Disconnected()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	left := types.New(types.EvtPlayerLeft, types.PlayerPresence{PlayerID: b.playerID, PlayerName: b.playerName})
	if err := b.room.Leave(ctx, connID, &left); err != nil {
		g.log.Debug("leave after room stopped", zap.String("conn", connID), zap.Error(err))
	}
	g.log.Info("connection left",
		zap.String("conn", connID),
		zap.String("campaign", b.campaignID),
		zap.String("player", b.playerID),
	)
}

func (g *Gateway) unbind(connID string) (binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bindings[connID]
	if ok {
		delete(g.bindings, connID)
	}
	return b, ok
}

func (g *Gateway) binding(connID string) (binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bindings[connID]
	return b, ok
}

// Connections returns the number of bound connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings)
}

// campaign collapses concurrent loads of the same campaign into one query.
func (g *Gateway) campaign(ctx context.Context, id string) (store.Campaign, error) {
	v, err, _ := g.loads.Do(id, func() (any, error) {
		return g.store.GetCampaign(ctx, id)
	})
	if err != nil {
		return store.Campaign{}, err
	}
	return v.(store.Campaign), nil
}

func (g *Gateway) players(campaignID string) []types.PlayerStatus {
	sessions := g.sessions.ListForCampaign(campaignID)
	out := make([]types.PlayerStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, types.PlayerStatus{
			PlayerID:    s.PlayerID,
			PlayerName:  s.PlayerName,
			IsDM:        s.IsDM,
			IsReady:     s.IsReady,
			IsConnected: s.IsConnected,
		})
	}
	slices.SortFunc(out, func(a, b types.PlayerStatus) int {
		if c := strings.Compare(a.PlayerName, b.PlayerName); c != 0 {
			return c
		}
		return strings.Compare(a.PlayerID, b.PlayerID)
	})
	return out
}

// Wait blocks until in-flight narrations finish or ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
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

// Close waits for background work, then stops every room. Connections see
// their outboxes close.
func (g *Gateway) Close(ctx context.Context) error {
	waitErr := g.Wait(ctx)
	if waitErr != nil {
		// Abandon narrations still running.
		g.cancel()
	}
	err := multierr.Append(waitErr, g.hub.Shutdown(ctx))
	g.cancel()
	return err
}
