package httpapi

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
)

var ErrBadDMPassword = fmt.Errorf("%w: invalid DM password", apperr.ErrForbidden)

// DMPassword checks the shared game-master password against a bcrypt hash.
type DMPassword struct {
	hash []byte
}

// NewDMPassword prefers an existing bcrypt hash; otherwise it hashes plain
// once at startup so the plaintext is not kept around.
func NewDMPassword(plain, hash string) (*DMPassword, error) {
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("DM password hash: %w", err)
		}
		return &DMPassword{hash: []byte(hash)}, nil
	}
	if plain == "" {
		return nil, fmt.Errorf("DM password is not configured")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash DM password: %w", err)
	}
	return &DMPassword{hash: h}, nil
}

func (p *DMPassword) Check(password string) error {
	if p == nil || password == "" {
		return ErrBadDMPassword
	}
	if bcrypt.CompareHashAndPassword(p.hash, []byte(password)) != nil {
		return ErrBadDMPassword
	}
	return nil
}
