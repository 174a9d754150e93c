package engine

import "slices"

func NewIdleState(campaignID string) State {
	return State{CampaignID: campaignID, Combatants: []Combatant{}}
}

// Snapshot returns a deep copy of s that shares no slices with it.
func Snapshot(s State) State {
	out := s
	out.Combatants = make([]Combatant, len(s.Combatants))
	for i, c := range s.Combatants {
		out.Combatants[i] = cloneCombatant(c)
	}
	return out
}

func cloneCombatant(c Combatant) Combatant {
	c.Conditions = append([]string{}, c.Conditions...)
	return c
}

func indexOf(s State, id string) int {
	return slices.IndexFunc(s.Combatants, func(c Combatant) bool { return c.ID == id })
}

func Find(s State, id string) (Combatant, bool) {
	i := indexOf(s, id)
	if i < 0 {
		return Combatant{}, false
	}
	return cloneCombatant(s.Combatants[i]), true
}

func hasCondition(conds []string, cond string) bool {
	return slices.Contains(conds, cond)
}

func withoutCondition(conds []string, cond string) []string {
	return slices.DeleteFunc(conds, func(c string) bool { return c == cond })
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
