// Package session keeps the live session cache. Tokens stay the source of
// truth: a cache miss on a valid token rebuilds the session from its claims.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/token"
)

var ErrNotDM = fmt.Errorf("%w: game master only", apperr.ErrForbidden)

type Session struct {
	ID          string    `json:"session_id"`
	PlayerID    string    `json:"player_id"`
	PlayerName  string    `json:"player_name"`
	CampaignID  string    `json:"campaign_id"`
	CharacterID string    `json:"character_id,omitempty"`
	IsDM        bool      `json:"is_dm"`
	IsReady     bool      `json:"is_ready"`
	IsConnected bool      `json:"is_connected"`
	LastSeen    time.Time `json:"last_seen"`
	ClientIP    string    `json:"-"`
	Token       string    `json:"-"`
}

// Codec is the part of token.Codec the registry needs.
type Codec interface {
	Issue(token.Claims) (string, error)
	Verify(string) (token.Claims, error)
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// Registry is safe for concurrent use. The map lock only guards lookup and
// insertion; each entry carries its own lock so work on one token never
// blocks another.
type Registry struct {
	codec Codec
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(codec Codec) *Registry {
	return &Registry{
		codec:   codec,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Create allocates a new session and the token that identifies it.
func (r *Registry) Create(playerID, playerName, campaignID string, isDM bool, clientIP string) (Session, string, error) {
	if playerID == "" {
		playerID = uuid.NewString()
	}
	s := Session{
		ID:         uuid.NewString(),
		PlayerID:   playerID,
		PlayerName: playerName,
		CampaignID: campaignID,
		IsDM:       isDM,
		LastSeen:   r.now(),
		ClientIP:   clientIP,
	}

	tok, err := r.codec.Issue(token.Claims{
		PlayerID:   s.PlayerID,
		PlayerName: s.PlayerName,
		CampaignID: s.CampaignID,
		IsDM:       s.IsDM,
		SessionID:  s.ID,
	})
	if err != nil {
		return Session{}, "", fmt.Errorf("issue session token: %w", err)
	}
	s.Token = tok

	r.mu.Lock()
	r.entries[tok] = &entry{s: s}
	r.mu.Unlock()

	return s, tok, nil
}

// Validate verifies tok and returns its session with LastSeen refreshed,
// rebuilding the session from the token claims when it is not cached.
func (r *Registry) Validate(tok string) (Session, error) {
	claims, err := r.codec.Verify(tok)
	if err != nil {
		return Session{}, err
	}

	e := r.lookupOrInsert(tok, claims)

	e.mu.Lock()
	defer e.mu.Unlock()
	if now := r.now(); now.After(e.s.LastSeen) {
		e.s.LastSeen = now
	}
	return e.s, nil
}

func (r *Registry) lookupOrInsert(tok string, claims token.Claims) *entry {
	r.mu.RLock()
	e, ok := r.entries[tok]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[tok]; ok {
		return e
	}
	e = &entry{s: Session{
		ID:         claims.SessionID,
		PlayerID:   claims.PlayerID,
		PlayerName: claims.PlayerName,
		CampaignID: claims.CampaignID,
		IsDM:       claims.IsDM,
		LastSeen:   r.now(),
		Token:      tok,
	}}
	r.entries[tok] = e
	return e
}

// RequireDM validates tok and fails with ErrNotDM for non game-master sessions.
func (r *Registry) RequireDM(tok string) (Session, error) {
	s, err := r.Validate(tok)
	if err != nil {
		return Session{}, err
	}
	if !s.IsDM {
		return Session{}, ErrNotDM
	}
	return s, nil
}

// Forget drops the cached session. The token itself remains valid until it
// expires and will be rebuilt on next use.
func (r *Registry) Forget(tok string) {
	r.mu.Lock()
	delete(r.entries, tok)
	r.mu.Unlock()
}

func (r *Registry) ListForCampaign(campaignID string) []Session {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		matched = append(matched, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0)
	for _, e := range matched {
		e.mu.Lock()
		if e.s.CampaignID == campaignID {
			out = append(out, e.s)
		}
		e.mu.Unlock()
	}
	return out
}

// CountConnected returns the number of connected sessions in a campaign.
func (r *Registry) CountConnected(campaignID string) int {
	n := 0
	for _, s := range r.ListForCampaign(campaignID) {
		if s.IsConnected {
			n++
		}
	}
	return n
}

// SetReady validates tok and records the readiness flag.
func (r *Registry) SetReady(tok string, ready bool) (Session, error) {
	return r.update(tok, func(s *Session) { s.IsReady = ready })
}

// SetCharacter validates tok and binds a character to the session.
func (r *Registry) SetCharacter(tok, characterID string) (Session, error) {
	return r.update(tok, func(s *Session) { s.CharacterID = characterID })
}

func (r *Registry) update(tok string, fn func(*Session)) (Session, error) {
	claims, err := r.codec.Verify(tok)
	if err != nil {
		return Session{}, err
	}
	e := r.lookupOrInsert(tok, claims)

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.s)
	if now := r.now(); now.After(e.s.LastSeen) {
		e.s.LastSeen = now
	}
	return e.s, nil
}

// MarkConnected flips presence on a cached session without verifying the
// token, so a disconnect after expiry still clears presence. It reports
// whether the token was cached.
func (r *Registry) MarkConnected(tok string, connected bool) bool {
	r.mu.RLock()
	e, ok := r.entries[tok]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.s.IsConnected = connected
	if now := r.now(); now.After(e.s.LastSeen) {
		e.s.LastSeen = now
	}
	e.mu.Unlock()
	return true
}

// Prune drops disconnected sessions not seen since before. It returns the
// number removed.
func (r *Registry) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tok, e := range r.entries {
		e.mu.Lock()
		stale := !e.s.IsConnected && e.s.LastSeen.Before(before)
		e.mu.Unlock()
		if stale {
			delete(r.entries, tok)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
