// Package httpapi serves the REST surface and mounts the live socket.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/dungeon-table/internal/gateway"
	"github.com/DoyleJ11/dungeon-table/internal/logging"
	"github.com/DoyleJ11/dungeon-table/internal/metrics"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/store"
)

// Store is the persistence the HTTP handlers need beyond the gateway.
type Store interface {
	CreateCampaign(ctx context.Context, name, dmID string) (store.Campaign, error)
	GetCampaign(ctx context.Context, id string) (store.Campaign, error)
	ListCampaigns(ctx context.Context) ([]store.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	CreatePlayer(ctx context.Context, name, campaignID string, isDM bool) (store.Player, error)
	ListPlayers(ctx context.Context, campaignID string) ([]store.Player, error)
	GetMessages(ctx context.Context, campaignID string, limit int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store      Store
	Sessions   *session.Registry
	Gateway    *gateway.Gateway
	DMPassword *DMPassword
	// Narrator is only used by the health check; nil skips it.
	Narrator Pinger
	Metrics  *metrics.Metrics
	// WS serves /ws; nil leaves the route unmounted.
	WS     http.Handler
	Logger *zap.Logger
}

type api struct {
	store    Store
	sessions *session.Registry
	gw       *gateway.Gateway
	password *DMPassword
	narrator Pinger
	log      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	a := &api{
		store:    d.Store,
		sessions: d.Sessions,
		gw:       d.Gateway,
		password: d.DMPassword,
		narrator: d.Narrator,
		log:      logging.OrNop(d.Logger).Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, a.logRequests, middleware.Recoverer)

	// Public routes
	r.Get("/healthz", a.healthz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	if d.WS != nil {
		r.Method(http.MethodGet, "/ws", d.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", a.listCampaigns)
			r.Post("/", a.createCampaign)
			r.Get("/{id}", a.getCampaign)
			r.Delete("/{id}", a.deleteCampaign)
		})
		r.Post("/auth/join", a.join)

		// Any session
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate(false))
			r.Post("/auth/leave", a.leave)
			r.Get("/game/state", a.gameState)
			r.Get("/game/history", a.history)
			r.Post("/characters", a.registerCharacter)
		})

		// Game master only
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate(true))
			r.Post("/game/start", a.startGame)
			r.Post("/game/pause", a.pause(true))
			r.Post("/game/resume", a.pause(false))
			r.Post("/dm/narrate", a.narrate)
			r.Post("/dm/combat/{command}", a.combat)
			r.Put("/dm/characters/{id}", a.patchCharacter)
		})
	})
	return r
}
