package engine

import (
	"fmt"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

var ErrCombatAlreadyActive = fmt.Errorf("%w: combat already active", apperr.ErrInvalidState)
var ErrCombatNotActive = fmt.Errorf("%w: no active combat", apperr.ErrInvalidState)
var ErrNoCombatants = fmt.Errorf("%w: combat has no combatants", apperr.ErrInvalidState)
var ErrUnknownCombatant = fmt.Errorf("%w: unknown combatant", apperr.ErrNotFound)
var ErrInvalidParticipants = fmt.Errorf("%w: invalid participants", apperr.ErrInvalidArgument)
var ErrNegativeAmount = fmt.Errorf("%w: amount must not be negative", apperr.ErrInvalidArgument)
var ErrUnsupportedCommand = fmt.Errorf("%w: unsupported command", apperr.ErrInvalidArgument)

const ConditionUnconscious = "unconscious"

type Combatant struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Initiative int      `json:"initiative"`
	HP         int      `json:"hp"`
	MaxHP      int      `json:"max_hp"`
	IsPlayer   bool     `json:"is_player"`
	Conditions []string `json:"conditions"`
}

// State is one campaign's combat. The zero value (plus a campaign id) is Idle.
type State struct {
	CampaignID   string      `json:"campaign_id"`
	Combatants   []Combatant `json:"combatants"`
	CurrentIndex int         `json:"current_index"`
	RoundNumber  int         `json:"round_number"`
	Active       bool        `json:"is_active"`
}

// Participant is an entrant supplied when combat starts. A nil HP enters at
// MaxHP; an explicit 0 enters unconscious. A nil IsPlayer counts as a player.
type Participant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DexModifier int    `json:"dex_modifier"`
	HP          *int   `json:"hp,omitempty"`
	MaxHP       int    `json:"max_hp"`
	IsPlayer    *bool  `json:"is_player,omitempty"`
}

type CommandType string

const (
	CmdStartCombat     CommandType = "StartCombat"
	CmdNextTurn        CommandType = "NextTurn"
	CmdApplyDamage     CommandType = "ApplyDamage"
	CmdApplyHeal       CommandType = "ApplyHeal"
	CmdRemoveCombatant CommandType = "RemoveCombatant"
	CmdEndCombat       CommandType = "EndCombat"
)

/*
	CmdStartCombat     -> EvtCombatStarted
	CmdNextTurn        -> EvtTurnAdvanced, plus EvtRoundStarted when the order wraps
	CmdApplyDamage     -> EvtCombatantDamaged, plus EvtCombatantDowned on reaching 0
	CmdApplyHeal       -> EvtCombatantHealed, plus EvtCombatantRevived when leaving 0
	CmdRemoveCombatant -> EvtCombatantRemoved
	CmdEndCombat       -> EvtCombatEnded
*/

type Command struct {
	Type         CommandType   `json:"type"`
	Participants []Participant `json:"participants,omitempty"`
	// Restart discards a running combat instead of failing with ErrCombatAlreadyActive.
	Restart     bool   `json:"restart,omitempty"`
	CombatantID string `json:"combatant_id,omitempty"`
	Amount      int    `json:"amount,omitempty"`
}

type EventType string

const (
	EvtCombatStarted    EventType = "CombatStarted"
	EvtTurnAdvanced     EventType = "TurnAdvanced"
	EvtRoundStarted     EventType = "RoundStarted"
	EvtCombatantDamaged EventType = "CombatantDamaged"
	EvtCombatantDowned  EventType = "CombatantDowned"
	EvtCombatantHealed  EventType = "CombatantHealed"
	EvtCombatantRevived EventType = "CombatantRevived"
	EvtCombatantRemoved EventType = "CombatantRemoved"
	EvtCombatEnded      EventType = "CombatEnded"
)

type Event struct {
	Type        EventType `json:"type"`
	CombatantID string    `json:"combatant_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Amount      int       `json:"amount,omitempty"`
	HP          int       `json:"hp"`
	Round       int       `json:"round,omitempty"`
}

// Apply runs cmd against s and returns the resulting events and state. s is
// never modified; on error the returned state is s.
func Apply(s State, cmd Command, roll Roller) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStartCombat:
		if s.Active && !cmd.Restart {
			return nil, s, ErrCombatAlreadyActive
		}
		order, err := rollInitiative(cmd.Participants, roll)
		if err != nil {
			return nil, s, err
		}
		newState := State{
			CampaignID:   s.CampaignID,
			Combatants:   order,
			CurrentIndex: 0,
			RoundNumber:  1,
			Active:       true,
		}
		first := order[0]
		return []Event{{Type: EvtCombatStarted, CombatantID: first.ID, Name: first.Name, Round: 1}}, newState, nil

	case CmdNextTurn:
		if !s.Active {
			return nil, s, ErrCombatNotActive
		}
		if len(s.Combatants) == 0 {
			return nil, s, ErrNoCombatants
		}
		newState := Snapshot(s)
		roundStarted := advance(&newState)
		cur := newState.Combatants[newState.CurrentIndex]

		events := []Event{{Type: EvtTurnAdvanced, CombatantID: cur.ID, Name: cur.Name, Round: newState.RoundNumber}}
		if roundStarted {
			events = append(events, Event{Type: EvtRoundStarted, Round: newState.RoundNumber})
		}
		return events, newState, nil

	case CmdApplyDamage:
		if err := checkTarget(s, cmd); err != nil {
			return nil, s, err
		}
		newState := Snapshot(s)
		c := &newState.Combatants[indexOf(newState, cmd.CombatantID)]
		c.HP = max(0, c.HP-cmd.Amount)

		events := []Event{{Type: EvtCombatantDamaged, CombatantID: c.ID, Name: c.Name, Amount: cmd.Amount, HP: c.HP}}
		if c.HP == 0 && !hasCondition(c.Conditions, ConditionUnconscious) {
			c.Conditions = append(c.Conditions, ConditionUnconscious)
			events = append(events, Event{Type: EvtCombatantDowned, CombatantID: c.ID, Name: c.Name})
		}
		return events, newState, nil

	case CmdApplyHeal:
		if err := checkTarget(s, cmd); err != nil {
			return nil, s, err
		}
		newState := Snapshot(s)
		c := &newState.Combatants[indexOf(newState, cmd.CombatantID)]
		c.HP += min(cmd.Amount, c.MaxHP-c.HP)

		events := []Event{{Type: EvtCombatantHealed, CombatantID: c.ID, Name: c.Name, Amount: cmd.Amount, HP: c.HP}}
		if c.HP > 0 && hasCondition(c.Conditions, ConditionUnconscious) {
			c.Conditions = withoutCondition(c.Conditions, ConditionUnconscious)
			events = append(events, Event{Type: EvtCombatantRevived, CombatantID: c.ID, Name: c.Name})
		}
		return events, newState, nil

	case CmdRemoveCombatant:
		if !s.Active {
			return nil, s, ErrCombatNotActive
		}
		i := indexOf(s, cmd.CombatantID)
		if i < 0 {
			return nil, s, ErrUnknownCombatant
		}
		removed := s.Combatants[i]
		newState := Snapshot(s)
		newState.Combatants = append(newState.Combatants[:i], newState.Combatants[i+1:]...)
		// Out of range after removal wraps to the top of the order.
		if newState.CurrentIndex >= len(newState.Combatants) {
			newState.CurrentIndex = 0
		}
		return []Event{{Type: EvtCombatantRemoved, CombatantID: removed.ID, Name: removed.Name}}, newState, nil

	case CmdEndCombat:
		if !s.Active {
			return nil, s, ErrCombatNotActive
		}
		return []Event{{Type: EvtCombatEnded, Round: s.RoundNumber}}, NewIdleState(s.CampaignID), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func checkTarget(s State, cmd Command) error {
	if !s.Active {
		return ErrCombatNotActive
	}
	if cmd.Amount < 0 {
		return ErrNegativeAmount
	}
	if indexOf(s, cmd.CombatantID) < 0 {
		return ErrUnknownCombatant
	}
	return nil
}

// Current returns the combatant whose turn it is.
func Current(s State) (Combatant, bool) {
	if !s.Active || s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Combatants) {
		return Combatant{}, false
	}
	return cloneCombatant(s.Combatants[s.CurrentIndex]), true
}
