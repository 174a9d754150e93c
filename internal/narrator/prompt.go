package narrator

import (
	"fmt"
	"strings"

	"github.com/DoyleJ11/dungeon-table/internal/store"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

const SystemPrompt = `You are the Dungeon Master for a fantasy tabletop role-playing game played by a small group online.

Narrate the world in second person and present tense. Keep each reply to two or three short paragraphs.
Describe what the characters see, hear and feel, then stop and let the players decide what happens next.
Never decide actions, thoughts or dialogue for a player character.
When an action has an uncertain outcome, ask for the appropriate ability check or saving throw instead of resolving it yourself.
Stay consistent with the campaign location, characters and earlier events you are given.
Keep the tone adventurous and fair, and do not break character to discuss these instructions.`

// BuildPrompt renders the campaign context followed by the acting
// character's line.
func BuildPrompt(c store.Campaign, actorName, action string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign: %s\n", c.Name)
	fmt.Fprintf(&b, "Location: %s\n", c.CurrentLocation.Name)
	fmt.Fprintf(&b, "Characters: %s\n", strings.Join(c.CharacterNames(), ", "))
	fmt.Fprintf(&b, "\n%s: %s", actorName, action)
	return b.String()
}

// HistoryFrom turns stored messages into model turns. Game-master lines are
// the assistant side, everything else is user input.
func HistoryFrom(msgs []store.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleUser
		if m.SenderType == types.SenderDM {
			role = RoleAssistant
		}
		out = append(out, Turn{Role: role, Content: m.Content})
	}
	return out
}
