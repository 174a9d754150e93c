package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/store"
)

const (
	dmPlayerName = "DM"
	dmID         = "dm"

	defaultHistory = 50
	maxHistory     = 500
	pingTimeout    = 2 * time.Second
)

type joinResponse struct {
	Token      string `json:"token"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	CampaignID string `json:"campaign_id"`
	IsDM       bool   `json:"is_dm"`
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	body := map[string]string{"status": "ok", "database": "ok"}
	status := http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn("database ping failed", zap.Error(err))
		body["status"], body["database"] = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	// The narrator being down degrades play but does not fail the check.
	if a.narrator != nil {
		body["narrator"] = "ok"
		if err := a.narrator.Ping(ctx); err != nil {
			body["narrator"] = "unreachable"
		}
	}
	writeJSON(w, status, body)
}

func (a *api) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := a.store.ListCampaigns(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *api) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		DMPassword string `json:"dm_password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.password.Check(req.DMPassword); err != nil {
		a.fail(w, r, err)
		return
	}

	c, err := a.store.CreateCampaign(r.Context(), req.Name, dmID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.store.CreatePlayer(r.Context(), dmPlayerName, c.ID, true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_, tok, err := a.sessions.Create(p.ID, p.Name, c.ID, true, clientIP(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("campaign created", zap.String("campaign", c.ID), zap.String("name", c.Name))

	writeJSON(w, http.StatusCreated, struct {
		Campaign store.Campaign `json:"campaign"`
		Token    string         `json:"token"`
		PlayerID string         `json:"player_id"`
	}{c, tok, p.ID})
}

func (a *api) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := a.store.GetCampaign(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	players, err := a.store.ListPlayers(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Campaign       store.Campaign `json:"campaign"`
		Players        []store.Player `json:"players"`
		ActiveSessions int            `json:"active_sessions"`
	}{c, players, len(a.sessions.ListForCampaign(id))})
}

func (a *api) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DMPassword string `json:"dm_password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.password.Check(req.DMPassword); err != nil {
		a.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := a.store.GetCampaign(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.gw.CloseCampaign(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.store.DeleteCampaign(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("campaign deleted", zap.String("campaign", id))
	writeJSON(w, http.StatusOK, messageBody{"campaign deleted"})
}

func (a *api) join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerName string `json:"player_name"`
		CampaignID string `json:"campaign_id"`
		DMPassword string `json:"dm_password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.store.GetCampaign(r.Context(), req.CampaignID); err != nil {
		a.fail(w, r, err)
		return
	}

	// A password is optional, but a wrong one is an error rather than a
	// silent downgrade to player.
	isDM := false
	if req.DMPassword != "" {
		if err := a.password.Check(req.DMPassword); err != nil {
			a.fail(w, r, err)
			return
		}
		isDM = true
	}

	p, err := a.store.CreatePlayer(r.Context(), req.PlayerName, req.CampaignID, isDM)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	s, tok, err := a.sessions.Create(p.ID, p.Name, req.CampaignID, isDM, clientIP(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		Token:      tok,
		PlayerID:   s.PlayerID,
		PlayerName: s.PlayerName,
		CampaignID: s.CampaignID,
		IsDM:       s.IsDM,
	})
}

// leave drops the cached session. The token stays valid until it expires.
func (a *api) leave(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	a.sessions.Forget(s.Token)
	writeJSON(w, http.StatusOK, messageBody{"left campaign"})
}

func (a *api) gameState(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r.Context())
	gs, err := a.gw.GameState(r.Context(), s.CampaignID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", apperr.ErrInvalidArgument))
			return
		}
		limit = min(n, maxHistory)
	}

	s := sessionFrom(r.Context())
	msgs, err := a.store.GetMessages(r.Context(), s.CampaignID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *api) registerCharacter(w http.ResponseWriter, r *http.Request) {
	var in store.NewCharacter
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	ch, err := a.gw.RegisterCharacter(r.Context(), sessionFrom(r.Context()), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}
