package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/narrator"
	"github.com/DoyleJ11/dungeon-table/internal/session"
	"github.com/DoyleJ11/dungeon-table/internal/store"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

// HandleEvent processes one inbound event from connID. Failures are logged
// and reported to connID alone as an error event. The returned error is
// non-nil only when that report could not be delivered through the room
// (the connection is not bound), leaving the transport to answer directly.
func (g *Gateway) HandleEvent(ctx context.Context, connID string, msg types.ClientMessage) error {
	b, ok := g.binding(connID)
	if !ok {
		g.metrics.Event(msg.Event, apperr.Code(ErrNotBound))
		return ErrNotBound
	}

	err := g.dispatch(ctx, connID, b, msg)
	if err == nil {
		g.metrics.Event(msg.Event, "ok")
		return nil
	}

	g.metrics.Event(msg.Event, apperr.Code(err))
	g.report(ctx, b, connID, msg.Event, err)
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, connID string, b binding, msg types.ClientMessage) error {
	// Never trust a session from an earlier event.
	s, err := g.sessions.Validate(b.token)
	if err != nil {
		return err
	}

	switch msg.Event {
	case types.EvtChatMessage:
		var p types.ContentPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		return g.chat(ctx, b, s, p.Content)

	case types.EvtAction:
		var p types.ContentPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		return g.action(ctx, b, s, connID, p.Content)

	case types.EvtReadyToggle:
		var p types.ReadyPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		return g.ready(ctx, b, p.IsReady)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload", apperr.ErrInvalidArgument)
	}
	return nil
}

func (g *Gateway) report(ctx context.Context, b binding, connID, event string, err error) {
	msg := err.Error()
	if apperr.Internal(err) {
		msg = "internal error"
		g.log.Error("event failed", zap.String("event", event), zap.String("conn", connID),
			zap.String("campaign", b.campaignID), zap.Error(err))
	} else {
		g.log.Warn("event rejected", zap.String("event", event), zap.String("conn", connID),
			zap.String("campaign", b.campaignID), zap.Error(err))
	}

	env := types.New(types.EvtError, types.ErrorPayload{Code: apperr.Code(err), Message: msg})
	if derr := b.room.Direct(ctx, connID, env); derr != nil {
		g.log.Debug("error report not delivered", zap.String("conn", connID), zap.Error(derr))
	}
}

func senderType(s session.Session) string {
	if s.IsDM {
		return types.SenderDM
	}
	return types.SenderPlayer
}

func chatEnvelope(m store.Message) types.Envelope {
	return types.New(types.EvtChatMessage, types.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderType: m.SenderType,
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
	})
}

// say persists one message and broadcasts it, plus any extra envelopes, in a
// single room step.
func (g *Gateway) say(ctx context.Context, b binding, m store.Message, extra ...types.Envelope) error {
	m.CampaignID = b.campaignID
	return b.room.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) {
		saved, err := g.store.SaveMessage(ctx, m)
		if err != nil {
			return nil, err
		}
		return append([]types.Envelope{chatEnvelope(saved)}, extra...), nil
	})
}

func (g *Gateway) chat(ctx context.Context, b binding, s session.Session, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	return g.say(ctx, b, store.Message{
		SenderID:   s.PlayerID,
		SenderName: s.PlayerName,
		SenderType: senderType(s),
		Content:    content,
	})
}

func (g *Gateway) ready(ctx context.Context, b binding, isReady bool) error {
	return b.room.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) {
		s, err := g.sessions.SetReady(b.token, isReady)
		if err != nil {
			return nil, err
		}
		return []types.Envelope{types.New(types.EvtPlayerReady, types.PlayerReady{
			PlayerID:   s.PlayerID,
			PlayerName: s.PlayerName,
			IsReady:    s.IsReady,
		})}, nil
	})
}

// action records and broadcasts the player's action with a dm_typing marker,
// then narrates in the background. The room is not held while the narrator
// runs.
func (g *Gateway) action(ctx context.Context, b binding, s session.Session, connID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	err := g.say(ctx, b, store.Message{
		SenderID:   s.PlayerID,
		SenderName: s.PlayerName,
		SenderType: types.SenderPlayer,
		Content:    content,
	}, types.New(types.EvtDMTyping, nil))
	if err != nil {
		return err
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.narrate(b, s, connID, content)
	}()
	return nil
}

func (g *Gateway) narrate(b binding, s session.Session, connID, content string) {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.NarrationTimeout)
	defer cancel()
	log := g.log.With(zap.String("campaign", b.campaignID), zap.String("player", s.PlayerID))

	text, err := g.generate(ctx, b.campaignID, s, content)
	if err != nil {
		g.metrics.Event("narration", apperr.Code(err))
		log.Warn("narration failed", zap.Error(err))
		g.notifyNarrationFailure(b, connID, err)
		return
	}
	g.metrics.Event("narration", "ok")

	// A fresh deadline: the narrator may have used most of the first one.
	saveCtx, saveCancel := context.WithTimeout(g.ctx, teardownTimeout)
	defer saveCancel()
	err = g.say(saveCtx, b, store.Message{
		SenderID:   dmSenderID,
		SenderName: dmSenderName,
		SenderType: types.SenderDM,
		Content:    text,
	})
	if err != nil {
		log.Error("narration not delivered", zap.Error(err))
	}
}

func (g *Gateway) generate(ctx context.Context, campaignID string, s session.Session, content string) (string, error) {
	c, err := g.campaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	history, err := g.store.GetMessages(ctx, campaignID, g.cfg.HistoryLimit)
	if err != nil {
		return "", err
	}

	actor := s.PlayerName
	if ch, ok := c.CharacterFor(s.PlayerID); ok {
		actor = ch.Name
	}

	start := time.Now()
	text, err := g.narrator.Generate(ctx, narrator.BuildPrompt(c, actor, content), narrator.SystemPrompt, narrator.HistoryFrom(history))
	g.metrics.ObserveNarration(time.Since(start))
	if err != nil && !errors.Is(err, apperr.ErrServiceUnavailable) {
		err = fmt.Errorf("%w: %w", apperr.ErrServiceUnavailable, err)
	}
	return text, err
}

// narrationFailedNotice is the unpersisted system line that follows a
// dm_typing indicator when no reply is coming.
func narrationFailedNotice() types.Envelope {
	return types.New(types.EvtChatMessage, types.ChatMessage{
		SenderID:   systemID,
		SenderName: systemName,
		SenderType: types.SenderSystem,
		Content:    "[The Dungeon Master could not respond to that action. Please try again.]",
		Timestamp:  time.Now().UTC(),
	})
}

// notifyNarrationFailure tells the acting connection only. Nothing already
// saved is rolled back.
func (g *Gateway) notifyNarrationFailure(b binding, connID string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	code := apperr.Code(err)
	if apperr.Internal(err) {
		code = apperr.Code(apperr.ErrServiceUnavailable)
	}
	for _, env := range []types.Envelope{
		narrationFailedNotice(),
		types.New(types.EvtError, types.ErrorPayload{Code: code, Message: "narration unavailable"}),
	} {
		if derr := b.room.Direct(ctx, connID, env); derr != nil {
			g.log.Debug("narration notice not delivered", zap.String("conn", connID), zap.Error(derr))
			return
		}
	}
}
