package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/store"
)

var combatCommands = map[string]engine.CommandType{
	"start":  engine.CmdStartCombat,
	"next":   engine.CmdNextTurn,
	"damage": engine.CmdApplyDamage,
	"heal":   engine.CmdApplyHeal,
	"remove": engine.CmdRemoveCombatant,
	"end":    engine.CmdEndCombat,
}

func (a *api) startGame(w http.ResponseWriter, r *http.Request) {
	if err := a.gw.StartGame(r.Context(), sessionFrom(r.Context())); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{"game started"})
}

func (a *api) pause(paused bool) http.HandlerFunc {
	msg := "game resumed"
	if paused {
		msg = "game paused"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.gw.SetPaused(r.Context(), sessionFrom(r.Context()), paused); err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageBody{msg})
	}
}

func (a *api) narrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerAction string `json:"player_action"`
		PlayerName   string `json:"player_name"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	text, err := a.gw.Narrate(r.Context(), sessionFrom(r.Context()), req.PlayerName, req.PlayerAction)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"narration": text})
}

func (a *api) combat(w http.ResponseWriter, r *http.Request) {
	typ, ok := combatCommands[chi.URLParam(r, "command")]
	if !ok {
		a.fail(w, r, fmt.Errorf("%w: unknown combat command", apperr.ErrNotFound))
		return
	}
	var cmd engine.Command
	if err := decode(r, &cmd); err != nil {
		a.fail(w, r, err)
		return
	}
	cmd.Type = typ

	s := sessionFrom(r.Context())
	state, events, err := a.gw.Combat(r.Context(), s.CampaignID, cmd)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Combat engine.State   `json:"combat"`
		Events []engine.Event `json:"events"`
	}{state, events})
}

func (a *api) patchCharacter(w http.ResponseWriter, r *http.Request) {
	var patch store.CharacterPatch
	if err := decode(r, &patch); err != nil {
		a.fail(w, r, err)
		return
	}
	if patch.Empty() {
		a.fail(w, r, fmt.Errorf("%w: nothing to update", apperr.ErrInvalidArgument))
		return
	}

	s := sessionFrom(r.Context())
	ch, err := a.gw.PatchCharacter(r.Context(), s.CampaignID, chi.URLParam(r, "id"), patch)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}
