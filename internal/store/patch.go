package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

// CharacterPatch lists the only character fields a game master may change
// mid-session. Nil fields are left alone.
type CharacterPatch struct {
	CurrentHP  *int      `json:"current_hp,omitempty"`
	TempHP     *int      `json:"temp_hp,omitempty"`
	Conditions *[]string `json:"conditions,omitempty"`
	XP         *int      `json:"xp,omitempty"`
}

func (p CharacterPatch) Empty() bool {
	return p.CurrentHP == nil && p.TempHP == nil && p.Conditions == nil && p.XP == nil
}

// Apply validates every present field before touching c, so a rejected patch
// leaves c unchanged.
func (p CharacterPatch) Apply(c *Character) error {
	if p.CurrentHP != nil && (*p.CurrentHP < 0 || *p.CurrentHP > c.MaxHP) {
		return fmt.Errorf("%w: current_hp must be between 0 and %d", apperr.ErrInvalidArgument, c.MaxHP)
	}
	if p.TempHP != nil && *p.TempHP < 0 {
		return fmt.Errorf("%w: temp_hp must not be negative", apperr.ErrInvalidArgument)
	}
	if p.XP != nil && *p.XP < 0 {
		return fmt.Errorf("%w: xp must not be negative", apperr.ErrInvalidArgument)
	}

	var conds []string
	if p.Conditions != nil {
		conds = make([]string, 0, len(*p.Conditions))
		for _, raw := range *p.Conditions {
			cond := strings.ToLower(strings.TrimSpace(raw))
			if cond == "" {
				return fmt.Errorf("%w: conditions must not be blank", apperr.ErrInvalidArgument)
			}
			if !slices.Contains(conds, cond) {
				conds = append(conds, cond)
			}
		}
	}

	if p.CurrentHP != nil {
		c.CurrentHP = *p.CurrentHP
	}
	if p.TempHP != nil {
		c.TempHP = *p.TempHP
	}
	if p.XP != nil {
		c.XP = *p.XP
	}
	if p.Conditions != nil {
		c.Conditions = conds
	}
	return nil
}

// NewCharacter is what a player submits to register a character.
type NewCharacter struct {
	Name       string `json:"name"`
	Race       string `json:"race"`
	ClassName  string `json:"class_name"`
	MaxHP      int    `json:"max_hp"`
	ArmorClass int    `json:"armor_class"`
}

func (n NewCharacter) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: character name is required", apperr.ErrInvalidArgument)
	}
	if n.MaxHP <= 0 {
		return fmt.Errorf("%w: max_hp must be positive", apperr.ErrInvalidArgument)
	}
	if n.ArmorClass < 0 {
		return fmt.Errorf("%w: armor_class must not be negative", apperr.ErrInvalidArgument)
	}
	return nil
}
