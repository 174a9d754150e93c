package engine

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

func activeState(combatants ...Combatant) State {
	return State{CampaignID: "camp", Combatants: combatants, RoundNumber: 1, Active: true}
}

func fighter(id string, hp, maxHP int) Combatant {
	return Combatant{ID: id, Name: id, HP: hp, MaxHP: maxHP, Conditions: []string{}}
}

func ptr[T any](v T) *T { return &v }

func ids(s State) []string {
	out := make([]string, 0, len(s.Combatants))
	for _, c := range s.Combatants {
		out = append(out, c.ID)
	}
	return out
}

func TestStartCombatOrdersByInitiative(t *testing.T) {
	cases := []struct {
		name    string
		parts   []Participant
		rolls   []int
		wantIDs []string
	}{
		{
			name:    "tie keeps input order, modifier ignored",
			parts:   []Participant{{ID: "a", DexModifier: 0}, {ID: "b", DexModifier: 5}},
			rolls:   []int{12, 7}, // a=12, b=7+5=12
			wantIDs: []string{"a", "b"},
		},
		{
			name:    "descending initiative",
			parts:   []Participant{{ID: "goblin"}, {ID: "rogue", DexModifier: 3}, {ID: "ogre", DexModifier: -1}},
			rolls:   []int{4, 15, 20},
			wantIDs: []string{"ogre", "rogue", "goblin"},
		},
		{
			name:    "extreme modifiers",
			parts:   []Participant{{ID: "low", DexModifier: math.MinInt + 100}, {ID: "high", DexModifier: math.MaxInt - 20}},
			rolls:   []int{1, 1},
			wantIDs: []string{"high", "low"},
		},
		{
			name:    "single participant",
			parts:   []Participant{{ID: "solo"}},
			rolls:   []int{1},
			wantIDs: []string{"solo"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, s, err := Apply(NewIdleState("camp"), Command{Type: CmdStartCombat, Participants: tc.parts}, ScriptedRoller(tc.rolls...))
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got := ids(s); !slices.Equal(got, tc.wantIDs) {
				t.Fatalf("order: got %v, want %v", got, tc.wantIDs)
			}
			if !s.Active || s.RoundNumber != 1 || s.CurrentIndex != 0 {
				t.Fatalf("unexpected state %+v", s)
			}
			if !ContainsEvent(events, EvtCombatStarted) {
				t.Fatalf("expected CombatStarted event")
			}
		})
	}
}

func TestStartCombatDefaults(t *testing.T) {
	_, s, err := Apply(NewIdleState("camp"), Command{Type: CmdStartCombat, Participants: []Participant{
		{ID: "a", MaxHP: 0},
		{ID: "b", Name: "Bree", HP: ptr(50), MaxHP: 20, IsPlayer: ptr(false)},
		{ID: "c", HP: ptr(5), MaxHP: 8},
		{ID: "d", HP: ptr(0), MaxHP: 6},
		{ID: "e", HP: ptr(-3), MaxHP: 6},
	}}, ScriptedRoller(20, 10, 5, 3, 1))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	want := []Combatant{
		{ID: "a", Name: "a", Initiative: 20, HP: 10, MaxHP: 10, IsPlayer: true, Conditions: []string{}},
		{ID: "b", Name: "Bree", Initiative: 10, HP: 20, MaxHP: 20, Conditions: []string{}},
		{ID: "c", Name: "c", Initiative: 5, HP: 5, MaxHP: 8, IsPlayer: true, Conditions: []string{}},
		{ID: "d", Name: "d", Initiative: 3, HP: 0, MaxHP: 6, IsPlayer: true, Conditions: []string{ConditionUnconscious}},
		{ID: "e", Name: "e", Initiative: 1, HP: 0, MaxHP: 6, IsPlayer: true, Conditions: []string{ConditionUnconscious}},
	}
	for i := range want {
		got := s.Combatants[i]
		if got.ID != want[i].ID || got.Name != want[i].Name || got.HP != want[i].HP || got.MaxHP != want[i].MaxHP ||
			got.Initiative != want[i].Initiative || got.IsPlayer != want[i].IsPlayer || !slices.Equal(got.Conditions, want[i].Conditions) {
			t.Fatalf("combatant %d: got %+v, want %+v", i, got, want[i])
		}
	}
}

func TestStartCombatRejects(t *testing.T) {
	cases := []struct {
		name  string
		setup State
		cmd   Command
		want  error
	}{
		{
			name:  "empty participants",
			setup: NewIdleState("camp"),
			cmd:   Command{Type: CmdStartCombat},
			want:  ErrInvalidParticipants,
		},
		{
			name:  "duplicate ids",
			setup: NewIdleState("camp"),
			cmd:   Command{Type: CmdStartCombat, Participants: []Participant{{ID: "a"}, {ID: "a"}}},
			want:  ErrInvalidParticipants,
		},
		{
			name:  "blank id",
			setup: NewIdleState("camp"),
			cmd:   Command{Type: CmdStartCombat, Participants: []Participant{{ID: "  "}}},
			want:  ErrInvalidParticipants,
		},
		{
			name:  "already active",
			setup: activeState(fighter("x", 5, 5)),
			cmd:   Command{Type: CmdStartCombat, Participants: []Participant{{ID: "a"}}},
			want:  ErrCombatAlreadyActive,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, s, err := Apply(tc.setup, tc.cmd, ScriptedRoller(10, 10))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got err %v, want %v", err, tc.want)
			}
			if !slices.Equal(ids(s), ids(tc.setup)) {
				t.Fatalf("state changed on error")
			}
		})
	}
}

func TestRestartReplacesCombat(t *testing.T) {
	s := activeState(fighter("x", 5, 5), fighter("y", 5, 5))
	s.RoundNumber = 4
	s.CurrentIndex = 1

	_, s, err := Apply(s, Command{Type: CmdStartCombat, Restart: true, Participants: []Participant{{ID: "a"}}}, ScriptedRoller(3))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := ids(s); !slices.Equal(got, []string{"a"}) || s.RoundNumber != 1 || s.CurrentIndex != 0 {
		t.Fatalf("restart did not reset: %+v", s)
	}
}

func TestNextTurnFullRounds(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		s := activeState(fighter("a", 5, 5), fighter("b", 5, 5), fighter("c", 5, 5))
		s.CurrentIndex = 1
		startRound := s.RoundNumber

		var err error
		for i := 0; i < n*len(s.Combatants); i++ {
			_, s, err = Apply(s, Command{Type: CmdNextTurn}, nil)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
		}
		if s.RoundNumber != startRound+n {
			t.Fatalf("n=%d: round got %d, want %d", n, s.RoundNumber, startRound+n)
		}
		if s.CurrentIndex != 1 {
			t.Fatalf("n=%d: index got %d, want 1", n, s.CurrentIndex)
		}
	}
}

func TestNextTurnEvents(t *testing.T) {
	s := activeState(fighter("a", 5, 5), fighter("b", 5, 5))

	events, s, err := Apply(s, Command{Type: CmdNextTurn}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ContainsEvent(events, EvtRoundStarted) || events[0].CombatantID != "b" {
		t.Fatalf("unexpected events %+v", events)
	}

	events, s, err = Apply(s, Command{Type: CmdNextTurn}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !ContainsEvent(events, EvtRoundStarted) || s.RoundNumber != 2 {
		t.Fatalf("expected round 2 to start, got %+v", events)
	}
	cur, ok := Current(s)
	if !ok || cur.ID != "a" {
		t.Fatalf("current: got %+v", cur)
	}
}

func TestNextTurnRejects(t *testing.T) {
	if _, _, err := Apply(NewIdleState("camp"), Command{Type: CmdNextTurn}, nil); !errors.Is(err, ErrCombatNotActive) {
		t.Fatalf("idle: got %v", err)
	}
	if _, _, err := Apply(activeState(), Command{Type: CmdNextTurn}, nil); !errors.Is(err, ErrNoCombatants) {
		t.Fatalf("empty: got %v", err)
	}
	_, _, err := Apply(NewIdleState("camp"), Command{Type: CmdNextTurn}, nil)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state kind, got %v", err)
	}
}

func TestDamageAndHeal(t *testing.T) {
	cases := []struct {
		name       string
		hp         int
		cmds       []Command
		wantHP     int
		wantUncons int
	}{
		{
			name:   "damage clamps at zero",
			hp:     10,
			cmds:   []Command{{Type: CmdApplyDamage, CombatantID: "a", Amount: 25}},
			wantHP: 0, wantUncons: 1,
		},
		{
			name: "zero damage at zero hp is idempotent",
			hp:   3,
			cmds: []Command{
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 3},
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 0},
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 4},
			},
			wantHP: 0, wantUncons: 1,
		},
		{
			name:   "heal clamps at max",
			hp:     8,
			cmds:   []Command{{Type: CmdApplyHeal, CombatantID: "a", Amount: 30}},
			wantHP: 10, wantUncons: 0,
		},
		{
			name:   "huge heal does not wrap",
			hp:     5,
			cmds:   []Command{{Type: CmdApplyHeal, CombatantID: "a", Amount: math.MaxInt}},
			wantHP: 10, wantUncons: 0,
		},
		{
			name:   "huge damage clamps at zero",
			hp:     5,
			cmds:   []Command{{Type: CmdApplyDamage, CombatantID: "a", Amount: math.MaxInt}},
			wantHP: 0, wantUncons: 1,
		},
		{
			name: "heal from zero revives",
			hp:   2,
			cmds: []Command{
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 7},
				{Type: CmdApplyHeal, CombatantID: "a", Amount: 1},
			},
			wantHP: 1, wantUncons: 0,
		},
		{
			name: "zero heal at zero stays down",
			hp:   2,
			cmds: []Command{
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 2},
				{Type: CmdApplyHeal, CombatantID: "a", Amount: 0},
			},
			wantHP: 0, wantUncons: 1,
		},
		{
			name: "seven then ten",
			hp:   10,
			cmds: []Command{
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 7},
				{Type: CmdApplyDamage, CombatantID: "a", Amount: 10},
			},
			wantHP: 0, wantUncons: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := activeState(fighter("a", tc.hp, 10))
			var err error
			for _, cmd := range tc.cmds {
				_, s, err = Apply(s, cmd, nil)
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
			}
			c, _ := Find(s, "a")
			if c.HP != tc.wantHP {
				t.Fatalf("hp: got %d, want %d", c.HP, tc.wantHP)
			}
			n := 0
			for _, cond := range c.Conditions {
				if cond == ConditionUnconscious {
					n++
				}
			}
			if n != tc.wantUncons {
				t.Fatalf("unconscious count: got %d, want %d (%v)", n, tc.wantUncons, c.Conditions)
			}
		})
	}
}

func TestDamageEvents(t *testing.T) {
	s := activeState(fighter("a", 4, 10))
	events, s, _ := Apply(s, Command{Type: CmdApplyDamage, CombatantID: "a", Amount: 4}, nil)
	if !ContainsEvent(events, EvtCombatantDowned) {
		t.Fatalf("expected downed event")
	}
	events, _, _ = Apply(s, Command{Type: CmdApplyDamage, CombatantID: "a", Amount: 1}, nil)
	if ContainsEvent(events, EvtCombatantDowned) {
		t.Fatalf("downed reported twice")
	}
}

func TestTargetErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup State
		cmd   Command
		want  error
	}{
		{"unknown damage", activeState(fighter("a", 5, 5)), Command{Type: CmdApplyDamage, CombatantID: "zz", Amount: 1}, ErrUnknownCombatant},
		{"unknown heal", activeState(fighter("a", 5, 5)), Command{Type: CmdApplyHeal, CombatantID: "zz", Amount: 1}, ErrUnknownCombatant},
		{"negative damage", activeState(fighter("a", 5, 5)), Command{Type: CmdApplyDamage, CombatantID: "a", Amount: -3}, ErrNegativeAmount},
		{"idle damage", NewIdleState("camp"), Command{Type: CmdApplyDamage, CombatantID: "a", Amount: 1}, ErrCombatNotActive},
		{"unknown remove", activeState(fighter("a", 5, 5)), Command{Type: CmdRemoveCombatant, CombatantID: "zz"}, ErrUnknownCombatant},
		{"idle end", NewIdleState("camp"), Command{Type: CmdEndCombat}, ErrCombatNotActive},
		{"bogus command", NewIdleState("camp"), Command{Type: "Fireball"}, ErrUnsupportedCommand},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, tc.cmd, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRemoveKeepsIndexValid(t *testing.T) {
	cases := []struct {
		name      string
		current   int
		remove    string
		wantIndex int
		wantIDs   []string
	}{
		{"remove after current", 0, "c", 0, []string{"a", "b"}},
		{"remove before current", 2, "a", 0, []string{"b", "c"}},
		{"remove last while current", 2, "c", 0, []string{"a", "b"}},
		{"remove before current in middle", 1, "a", 1, []string{"b", "c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := activeState(fighter("a", 5, 5), fighter("b", 5, 5), fighter("c", 5, 5))
			s.CurrentIndex = tc.current
			_, s, err := Apply(s, Command{Type: CmdRemoveCombatant, CombatantID: tc.remove}, nil)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if s.CurrentIndex != tc.wantIndex || !slices.Equal(ids(s), tc.wantIDs) {
				t.Fatalf("got index %d order %v", s.CurrentIndex, ids(s))
			}
		})
	}
}

func TestRemoveAllThenAdvance(t *testing.T) {
	s := activeState(fighter("a", 5, 5))
	_, s, err := Apply(s, Command{Type: CmdRemoveCombatant, CombatantID: "a"}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.CurrentIndex != 0 || len(s.Combatants) != 0 {
		t.Fatalf("unexpected state %+v", s)
	}
	if _, _, err := Apply(s, Command{Type: CmdNextTurn}, nil); !errors.Is(err, ErrNoCombatants) {
		t.Fatalf("got %v", err)
	}
}

func TestEndCombatResets(t *testing.T) {
	s := activeState(fighter("a", 5, 5), fighter("b", 5, 5))
	s.RoundNumber = 3
	s.CurrentIndex = 1

	events, s, err := Apply(s, Command{Type: CmdEndCombat}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.Active || s.RoundNumber != 0 || s.CurrentIndex != 0 || len(s.Combatants) != 0 || s.CampaignID != "camp" {
		t.Fatalf("not reset: %+v", s)
	}
	if events[0].Type != EvtCombatEnded || events[0].Round != 3 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := activeState(fighter("a", 5, 10), fighter("b", 5, 10))
	s.Combatants[0].Conditions = []string{"prone"}

	_, _, _ = Apply(s, Command{Type: CmdApplyDamage, CombatantID: "a", Amount: 5}, nil)
	_, _, _ = Apply(s, Command{Type: CmdRemoveCombatant, CombatantID: "a"}, nil)
	_, _, _ = Apply(s, Command{Type: CmdNextTurn}, nil)

	if s.Combatants[0].HP != 5 || len(s.Combatants[0].Conditions) != 1 || s.CurrentIndex != 0 || len(s.Combatants) != 2 || s.Combatants[0].ID != "a" {
		t.Fatalf("input mutated: %+v", s)
	}
}

func TestSeededRollerDeterministic(t *testing.T) {
	parts := []Participant{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	_, s1, _ := Apply(NewIdleState("camp"), Command{Type: CmdStartCombat, Participants: parts}, SeededRoller(42))
	_, s2, _ := Apply(NewIdleState("camp"), Command{Type: CmdStartCombat, Participants: parts}, SeededRoller(42))
	if !slices.Equal(ids(s1), ids(s2)) {
		t.Fatalf("seeded rolls differ: %v vs %v", ids(s1), ids(s2))
	}
	for _, c := range s1.Combatants {
		if c.Initiative < 1 || c.Initiative > 20 {
			t.Fatalf("initiative out of range: %d", c.Initiative)
		}
	}
}

func TestDamageEventEncodesZeroHP(t *testing.T) {
	events, _, err := Apply(activeState(fighter("a", 4, 10)), Command{Type: CmdApplyDamage, CombatantID: "a", Amount: 9}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	raw, err := json.Marshal(events[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hp, ok := got["hp"]; !ok || hp != float64(0) {
		t.Fatalf("hp field: got %v (present=%v) in %s", hp, ok, raw)
	}
}
