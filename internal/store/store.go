// Package store persists campaigns, players, characters and chat history.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/logging"
)

var (
	ErrCampaignNotFound  = fmt.Errorf("%w: campaign", apperr.ErrNotFound)
	ErrCharacterNotFound = fmt.Errorf("%w: character", apperr.ErrNotFound)
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to postgres for postgres:// URLs and to sqlite otherwise.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	log = logging.OrNop(log)
	cfg := &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var dialector gorm.Dialector
	isSQLite := !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://")
	if isSQLite {
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		// sqlite allows one writer; serialising here avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db), nil
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Campaign{}, &Player{}, &Character{}, &Message{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateCampaign(ctx context.Context, name, dmID string) (Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Campaign{}, fmt.Errorf("%w: campaign name is required", apperr.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	c := Campaign{
		ID:               uuid.NewString(),
		Name:             name,
		DMID:             dmID,
		SessionNumber:    1,
		CurrentLocation:  Location{Name: "Starting Town"},
		Quests:           []Quest{},
		ImportantEvents:  []string{},
		PlayerCharacters: []Character{},
		InitiativeOrder:  []string{},
		IsActive:         true,
		CreatedAt:        now,
		LastPlayed:       now,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&c).Error; err != nil {
		return Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// GetCampaign loads a campaign with its characters.
func (s *Store) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := s.db.WithContext(ctx).
		Preload("PlayerCharacters", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Campaign{}, ErrCampaignNotFound
		}
		return Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns most recently played first, without characters.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := s.db.WithContext(ctx).Order("last_played DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return out, nil
}

// SaveCampaign writes the campaign row (not its characters) and bumps LastPlayed.
func (s *Store) SaveCampaign(ctx context.Context, c *Campaign) error {
	c.LastPlayed = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Campaign{}).Where("id = ?", c.ID).
		Select("*").Omit(clause.Associations, "created_at").Updates(c)
	if res.Error != nil {
		return fmt.Errorf("save campaign: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// UpdateCombat records whether combat is running and its turn order.
func (s *Store) UpdateCombat(ctx context.Context, campaignID string, active bool, order []string) error {
	if order == nil {
		order = []string{}
	}
	return s.updateCampaign(ctx, campaignID, &Campaign{IsCombatActive: active, InitiativeOrder: order},
		"is_combat_active", "initiative_order")
}

func (s *Store) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	return s.updateCampaign(ctx, campaignID, &Campaign{IsPaused: paused}, "is_paused")
}

func (s *Store) updateCampaign(ctx context.Context, id string, values *Campaign, cols ...string) error {
	values.LastPlayed = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id).
		Select(append(cols, "last_played")).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("update campaign: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// DeleteCampaign removes a campaign along with its players, characters and messages.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Message{}, &Character{}, &Player{}} {
			if err := tx.Where("campaign_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("delete campaign children: %w", err)
			}
		}
		res := tx.Delete(&Campaign{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete campaign: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCampaignNotFound
		}
		return nil
	})
}

func (s *Store) CreatePlayer(ctx context.Context, name, campaignID string, isDM bool) (Player, error) {
	p := Player{ID: uuid.NewString(), Name: strings.TrimSpace(name), CampaignID: campaignID, IsDM: isDM}
	if p.Name == "" {
		return Player{}, fmt.Errorf("%w: player name is required", apperr.ErrInvalidArgument)
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return Player{}, fmt.Errorf("create player: %w", err)
	}
	return p, nil
}

func (s *Store) ListPlayers(ctx context.Context, campaignID string) ([]Player, error) {
	var out []Player
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("joined_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	return out, nil
}

// CreateCharacter registers a character for a player in a campaign.
func (s *Store) CreateCharacter(ctx context.Context, campaignID, playerID, playerName string, in NewCharacter) (Character, error) {
	if err := in.Validate(); err != nil {
		return Character{}, err
	}
	if _, err := s.GetCampaign(ctx, campaignID); err != nil {
		return Character{}, err
	}
	ac := in.ArmorClass
	if ac == 0 {
		ac = 10
	}
	c := Character{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		PlayerID:   playerID,
		PlayerName: playerName,
		Name:       strings.TrimSpace(in.Name),
		Race:       in.Race,
		ClassName:  in.ClassName,
		Level:      1,
		MaxHP:      in.MaxHP,
		CurrentHP:  in.MaxHP,
		ArmorClass: ac,
		Conditions: []string{},
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return Character{}, fmt.Errorf("create character: %w", err)
	}
	return c, nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (Character, error) {
	var c Character
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Character{}, ErrCharacterNotFound
		}
		return Character{}, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

// UpdateCharacter applies patch to a character of the given campaign.
func (s *Store) UpdateCharacter(ctx context.Context, campaignID, id string, patch CharacterPatch) (Character, error) {
	var out Character
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Character
		if err := tx.First(&c, "id = ? AND campaign_id = ?", id, campaignID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCharacterNotFound
			}
			return fmt.Errorf("get character: %w", err)
		}
		if err := patch.Apply(&c); err != nil {
			return err
		}
		if err := tx.Save(&c).Error; err != nil {
			return fmt.Errorf("save character: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

// SaveMessage fills in ID and CreatedAt when empty.
func (s *Store) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Seq = 0
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	return m, nil
}

// GetMessages returns the latest limit messages, oldest first.
func (s *Store) GetMessages(ctx context.Context, campaignID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	var out []Message
	err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).
		Order("seq DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
