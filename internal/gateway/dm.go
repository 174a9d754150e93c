package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/room"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/store"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

const (
	pausedNotice  = "The DM has paused the session. See you next time!"
	resumedNotice = "The session has resumed. Welcome back!"
	startNotice   = "The adventure begins!"
)

// campaignRoom returns the room for an existing campaign, starting it if no
// one is connected yet.
func (g *Gateway) campaignRoom(ctx context.Context, campaignID string) (*room.Room, error) {
	if _, err := g.campaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return g.hub.Ensure(ctx, campaignID, engine.NewIdleState(campaignID))
}

func roomBinding(rm *room.Room) binding {
	return binding{campaignID: rm.ID(), room: rm}
}

// Combat applies cmd to the campaign's combat, persists the combat flag and
// turn order, and broadcasts combat_update. Starting with no participants
// enters every registered character.
func (g *Gateway) Combat(ctx context.Context, campaignID string, cmd engine.Command) (engine.State, []engine.Event, error) {
	rm, err := g.campaignRoom(ctx, campaignID)
	if err != nil {
		return engine.State{}, nil, err
	}
	if cmd.Type == engine.CmdStartCombat && len(cmd.Participants) == 0 {
		c, err := g.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return engine.State{}, nil, err
		}
		cmd.Participants = participantsFrom(c)
	}

	var (
		out    engine.State
		events []engine.Event
	)
	err = rm.Mutate(ctx, func(s *engine.State) ([]types.Envelope, error) {
		evs, next, err := engine.Apply(*s, cmd, g.cfg.Roller)
		if err != nil {
			return nil, err
		}
		if changesOrder(cmd.Type) {
			if err := g.store.UpdateCombat(ctx, campaignID, next.Active, order(next)); err != nil {
				return nil, err
			}
		}
		*s = next
		out, events = engine.Snapshot(next), evs
		return []types.Envelope{types.New(types.EvtCombatUpdate, types.CombatUpdate{Combat: next, Events: evs})}, nil
	})
	if err != nil {
		return engine.State{}, nil, err
	}
	g.log.Info("combat command applied",
		zap.String("campaign", campaignID),
		zap.String("command", string(cmd.Type)),
		zap.Int("round", out.RoundNumber),
	)
	return out, events, nil
}

func changesOrder(t engine.CommandType) bool {
	switch t {
	case engine.CmdStartCombat, engine.CmdRemoveCombatant, engine.CmdEndCombat:
		return true
	}
	return false
}

func order(s engine.State) []string {
	names := make([]string, 0, len(s.Combatants))
	for _, c := range s.Combatants {
		names = append(names, c.Name)
	}
	return names
}

func participantsFrom(c store.Campaign) []engine.Participant {
	ps := make([]engine.Participant, 0, len(c.PlayerCharacters))
	for _, ch := range c.PlayerCharacters {
		hp := ch.CurrentHP
		ps = append(ps, engine.Participant{
			ID:    ch.ID,
			Name:  ch.Name,
			HP:    &hp,
			MaxHP: ch.MaxHP,
		})
	}
	return ps
}

// CombatSnapshot returns the campaign's combat without starting a room.
func (g *Gateway) CombatSnapshot(ctx context.Context, campaignID string) (engine.State, error) {
	rm, err := g.hub.Get(ctx, campaignID)
	if err != nil {
		return engine.State{}, err
	}
	if rm == nil {
		return engine.NewIdleState(campaignID), nil
	}
	v, err := rm.State(ctx)
	if err != nil {
		return engine.State{}, err
	}
	return v.Combat, nil
}

// GameState is the HTTP counterpart of the game_state event.
func (g *Gateway) GameState(ctx context.Context, campaignID string) (types.GameState, error) {
	c, err := g.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return types.GameState{}, err
	}
	combat, err := g.CombatSnapshot(ctx, campaignID)
	if err != nil {
		return types.GameState{}, err
	}
	return types.GameState{Campaign: c, Combat: combat, Players: g.players(campaignID)}, nil
}

// SetPaused flips the campaign's pause flag and tells the room.
func (g *Gateway) SetPaused(ctx context.Context, actor session.Session, paused bool) error {
	rm, err := g.campaignRoom(ctx, actor.CampaignID)
	if err != nil {
		return err
	}
	event, notice := types.EvtGameResumed, resumedNotice
	if paused {
		event, notice = types.EvtGamePaused, pausedNotice
	}

	return rm.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) {
		if err := g.store.SetPaused(ctx, actor.CampaignID, paused); err != nil {
			return nil, err
		}
		saved, err := g.store.SaveMessage(ctx, store.Message{
			CampaignID: actor.CampaignID,
			SenderID:   systemID,
			SenderName: systemName,
			SenderType: types.SenderSystem,
			Content:    notice,
		})
		if err != nil {
			return nil, err
		}
		return []types.Envelope{types.New(event, nil), chatEnvelope(saved)}, nil
	})
}

// StartGame posts the opening system line.
func (g *Gateway) StartGame(ctx context.Context, actor session.Session) error {
	rm, err := g.campaignRoom(ctx, actor.CampaignID)
	if err != nil {
		return err
	}
	return g.say(ctx, roomBinding(rm), store.Message{
		SenderID:   systemID,
		SenderName: systemName,
		SenderType: types.SenderSystem,
		Content:    startNotice,
	})
}

// Narrate runs the narrator synchronously for a game master, persisting and
// broadcasting both the prompt (as playerName's line, when given) and the reply.
func (g *Gateway) Narrate(ctx context.Context, actor session.Session, playerName, action string) (string, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return "", ErrEmptyContent
	}
	rm, err := g.campaignRoom(ctx, actor.CampaignID)
	if err != nil {
		return "", err
	}
	b := roomBinding(rm)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.NarrationTimeout)
	defer cancel()

	speaker := actor
	if playerName != "" {
		speaker.PlayerName = playerName
		speaker.PlayerID = ""
	}
	if err := b.room.Broadcast(ctx, types.New(types.EvtDMTyping, nil)); err != nil {
		return "", err
	}
	text, err := g.generate(ctx, actor.CampaignID, speaker, action)
	if err != nil {
		g.metrics.Event("narration", apperr.Code(err))
		// ctx may already be past its deadline.
		nctx, ncancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer ncancel()
		if berr := b.room.Broadcast(nctx, narrationFailedNotice()); berr != nil {
			g.log.Debug("narration notice not delivered", zap.String("campaign", actor.CampaignID), zap.Error(berr))
		}
		return "", err
	}
	g.metrics.Event("narration", "ok")

	if playerName != "" {
		if err := g.say(ctx, b, store.Message{
			SenderID:   actor.PlayerID,
			SenderName: playerName,
			SenderType: types.SenderPlayer,
			Content:    action,
		}); err != nil {
			return "", err
		}
	}
	if err := g.say(ctx, b, store.Message{
		SenderID:   dmSenderID,
		SenderName: dmSenderName,
		SenderType: types.SenderDM,
		Content:    text,
	}); err != nil {
		return "", err
	}
	return text, nil
}

// RegisterCharacter creates a character for the actor, binds it to the
// session and broadcasts character_update.
func (g *Gateway) RegisterCharacter(ctx context.Context, actor session.Session, in store.NewCharacter) (store.Character, error) {
	rm, err := g.campaignRoom(ctx, actor.CampaignID)
	if err != nil {
		return store.Character{}, err
	}
	var out store.Character
	err = rm.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) {
		ch, err := g.store.CreateCharacter(ctx, actor.CampaignID, actor.PlayerID, actor.PlayerName, in)
		if err != nil {
			return nil, err
		}
		if _, err := g.sessions.SetCharacter(actor.Token, ch.ID); err != nil {
			return nil, err
		}
		out = ch
		return []types.Envelope{types.New(types.EvtCharacterUpdate, types.CharacterUpdate{PlayerID: ch.PlayerID, Character: ch})}, nil
	})
	return out, err
}

// PatchCharacter applies a game-master edit and broadcasts character_update.
func (g *Gateway) PatchCharacter(ctx context.Context, campaignID, characterID string, patch store.CharacterPatch) (store.Character, error) {
	rm, err := g.campaignRoom(ctx, campaignID)
	if err != nil {
		return store.Character{}, err
	}
	var out store.Character
	err = rm.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) {
		ch, err := g.store.UpdateCharacter(ctx, campaignID, characterID, patch)
		if err != nil {
			return nil, err
		}
		out = ch
		return []types.Envelope{types.New(types.EvtCharacterUpdate, types.CharacterUpdate{PlayerID: ch.PlayerID, Character: ch})}, nil
	})
	return out, err
}

// CloseCampaign stops the campaign's room and unbinds its connections, whose
// outboxes are closed by the room.
func (g *Gateway) CloseCampaign(ctx context.Context, campaignID string) error {
	g.mu.Lock()
	for id, b := range g.bindings {
		if b.campaignID == campaignID {
			delete(g.bindings, id)
			g.sessions.MarkConnected(b.token, false)
			g.metrics.Disconnected()
		}
	}
	g.mu.Unlock()

	_, err := g.hub.Remove(ctx, campaignID)
	return err
}
