package types

import (
	"encoding/json"
	"time"

	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/store"
)

// Inbound events (client -> server).
const (
	EvtAuth        = "auth"
	EvtChatMessage = "chat_message"
	EvtAction      = "action"
	EvtReadyToggle = "ready_toggle"
)

// Outbound events (server -> room or single connection). chat_message is
// shared with the inbound set.
const (
	EvtGameState       = "game_state"
	EvtPlayerJoined    = "player_joined"
	EvtPlayerLeft      = "player_left"
	EvtDMTyping        = "dm_typing"
	EvtPlayerReady     = "player_ready"
	EvtCharacterUpdate = "character_update"
	EvtGamePaused      = "game_paused"
	EvtGameResumed     = "game_resumed"
	EvtCombatUpdate    = "combat_update"
	EvtError           = "error"
)

const (
	SenderPlayer = "player"
	SenderDM     = "dm"
	SenderSystem = "system"
)

type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is every frame the server sends.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func New(event string, data any) Envelope {
	if data == nil {
		data = struct{}{}
	}
	return Envelope{Event: event, Data: data}
}

type AuthPayload struct {
	Token string `json:"token"`
}

type ContentPayload struct {
	Content string `json:"content"`
}

type ReadyPayload struct {
	IsReady bool `json:"is_ready"`
}

type PlayerPresence struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

type PlayerReady struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	IsReady    bool   `json:"is_ready"`
}

type ChatMessage struct {
	ID         string    `json:"id,omitempty"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

type PlayerStatus struct {
	PlayerID    string `json:"player_id"`
	PlayerName  string `json:"player_name"`
	IsDM        bool   `json:"is_dm"`
	IsReady     bool   `json:"is_ready"`
	IsConnected bool   `json:"is_connected"`
}

// GameState is the one-time snapshot sent to a newly joined connection.
type GameState struct {
	Campaign store.Campaign `json:"campaign"`
	Combat   engine.State   `json:"combat"`
	Players  []PlayerStatus `json:"players"`
	Version  int            `json:"version"`
}

type CharacterUpdate struct {
	PlayerID  string          `json:"player_id"`
	Character store.Character `json:"character"`
}

type CombatUpdate struct {
	Combat engine.State   `json:"combat"`
	Events []engine.Event `json:"events"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
