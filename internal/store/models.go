package store

import "time"

type Location struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Region      string `json:"region"`
}

type Quest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IsCompleted bool   `json:"is_completed"`
	IsMainQuest bool   `json:"is_main_quest"`
}

// Campaign is one persistent game. Nested values are stored as JSON columns.
type Campaign struct {
	ID               string      `gorm:"primaryKey;size:36" json:"id"`
	Name             string      `gorm:"size:200;not null" json:"name"`
	DMID             string      `gorm:"size:36;index" json:"dm_id"`
	SessionNumber    int         `gorm:"not null;default:1" json:"session_number"`
	CurrentLocation  Location    `gorm:"serializer:json" json:"current_location"`
	Quests           []Quest     `gorm:"serializer:json" json:"quests"`
	ImportantEvents  []string    `gorm:"serializer:json" json:"important_events"`
	PlayerCharacters []Character `gorm:"foreignKey:CampaignID" json:"player_characters"`
	InitiativeOrder  []string    `gorm:"serializer:json" json:"initiative_order"`
	IsCombatActive   bool        `json:"is_combat_active"`
	IsPaused         bool        `json:"is_paused"`
	IsActive         bool        `json:"is_active"`
	CreatedAt        time.Time   `json:"created_at"`
	LastPlayed       time.Time   `json:"last_played"`
}

func (Campaign) TableName() string { return "campaigns" }

// CharacterNames returns the roster in registration order.
func (c Campaign) CharacterNames() []string {
	names := make([]string, 0, len(c.PlayerCharacters))
	for _, ch := range c.PlayerCharacters {
		names = append(names, ch.Name)
	}
	return names
}

// CharacterFor returns the character registered by playerID, if any.
func (c Campaign) CharacterFor(playerID string) (Character, bool) {
	for _, ch := range c.PlayerCharacters {
		if ch.PlayerID == playerID {
			return ch, true
		}
	}
	return Character{}, false
}

type Player struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	CampaignID string    `gorm:"size:36;index" json:"campaign_id"`
	IsDM       bool      `json:"is_dm"`
	JoinedAt   time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

func (Player) TableName() string { return "players" }

type Character struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	CampaignID string    `gorm:"size:36;index" json:"campaign_id"`
	PlayerID   string    `gorm:"size:36;index" json:"player_id"`
	PlayerName string    `gorm:"size:100" json:"player_name"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	Race       string    `gorm:"size:50" json:"race"`
	ClassName  string    `gorm:"size:50" json:"class_name"`
	Level      int       `gorm:"not null;default:1" json:"level"`
	MaxHP      int       `gorm:"not null" json:"max_hp"`
	CurrentHP  int       `gorm:"not null" json:"current_hp"`
	TempHP     int       `gorm:"not null;default:0" json:"temp_hp"`
	ArmorClass int       `gorm:"not null;default:10" json:"armor_class"`
	Conditions []string  `gorm:"serializer:json" json:"conditions"`
	XP         int       `gorm:"not null;default:0" json:"xp"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Character) TableName() string { return "characters" }

// Message is a chat or narration line. Seq gives a total order per database
// that timestamps alone cannot.
type Message struct {
	Seq        uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	ID         string         `gorm:"size:36;uniqueIndex" json:"id"`
	CampaignID string         `gorm:"size:36;index" json:"campaign_id"`
	SenderID   string         `gorm:"size:36" json:"sender_id"`
	SenderName string         `gorm:"size:100" json:"sender_name"`
	SenderType string         `gorm:"size:16" json:"sender_type"`
	Content    string         `gorm:"type:text" json:"content"`
	Metadata   map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "messages" }
