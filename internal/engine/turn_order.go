package engine

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

const (
	initiativeDie = 20
	defaultMaxHP  = 10
)

// Roller returns a result in [1, sides].
type Roller func(sides int) int

func DefaultRoller(sides int) int {
	return rand.IntN(sides) + 1
}

// SeededRoller is deterministic for a given seed.
func SeededRoller(seed uint64) Roller {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(sides int) int { return r.IntN(sides) + 1 }
}

// ScriptedRoller replays fixed results in order, then falls back to 1.
func ScriptedRoller(results ...int) Roller {
	i := 0
	return func(int) int {
		if i >= len(results) {
			return 1
		}
		v := results[i]
		i++
		return v
	}
}

// rollInitiative rolls d20 + dex modifier per participant and orders the
// result descending. Ties keep input order; the modifier is not consulted.
func rollInitiative(ps []Participant, roll Roller) ([]Combatant, error) {
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidParticipants)
	}
	if roll == nil {
		roll = DefaultRoller
	}

	seen := make(map[string]bool, len(ps))
	order := make([]Combatant, 0, len(ps))
	for _, p := range ps {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: participant id is required", ErrInvalidParticipants)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate participant %q", ErrInvalidParticipants, id)
		}
		seen[id] = true

		maxHP := p.MaxHP
		if maxHP <= 0 {
			maxHP = defaultMaxHP
		}
		hp := maxHP
		if p.HP != nil {
			hp = min(max(*p.HP, 0), maxHP)
		}
		conds := []string{}
		if hp == 0 {
			conds = append(conds, ConditionUnconscious)
		}
		isPlayer := true
		if p.IsPlayer != nil {
			isPlayer = *p.IsPlayer
		}
		name := p.Name
		if name == "" {
			name = id
		}

		order = append(order, Combatant{
			ID:         id,
			Name:       name,
			Initiative: roll(initiativeDie) + p.DexModifier,
			HP:         hp,
			MaxHP:      maxHP,
			IsPlayer:   isPlayer,
			Conditions: conds,
		})
	}

	slices.SortStableFunc(order, func(a, b Combatant) int {
		return cmp.Compare(b.Initiative, a.Initiative)
	})
	return order, nil
}

// advance moves to the next combatant and reports whether a new round began.
func advance(s *State) bool {
	s.CurrentIndex = (s.CurrentIndex + 1) % len(s.Combatants)
	if s.CurrentIndex == 0 {
		s.RoundNumber++
		return true
	}
	return false
}
