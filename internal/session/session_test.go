package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/token"
)

func newCodec() *token.Codec {
	return token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
}

func TestValidateSurvivesRestart(t *testing.T) {
	codec := newCodec()
	r := NewRegistry(codec)

	created, tok, err := r.Create("", "Mira", "camp-1", false, "10.0.0.2")
	require.NoError(t, err)
	require.NotEmpty(t, created.PlayerID)

	for i := 0; i < 3; i++ {
		s, err := r.Validate(tok)
		require.NoError(t, err)
		assert.Equal(t, created.PlayerID, s.PlayerID)
	}

	// A fresh registry has an empty cache but shares the signing secret.
	restarted := NewRegistry(codec)
	s, err := restarted.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, created.ID, s.ID)
	assert.Equal(t, created.PlayerID, s.PlayerID)
	assert.Equal(t, "camp-1", s.CampaignID)
	assert.False(t, s.IsDM)
	assert.Equal(t, 1, restarted.Len())
}

func TestValidateRejectsBadToken(t *testing.T) {
	r := NewRegistry(newCodec())
	_, err := r.Validate("nope")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Zero(t, r.Len())
}

func TestRequireDM(t *testing.T) {
	r := NewRegistry(newCodec())
	_, playerTok, err := r.Create("p-1", "Mira", "camp-1", false, "")
	require.NoError(t, err)
	_, dmTok, err := r.Create("dm-1", "Dungeon Master", "camp-1", true, "")
	require.NoError(t, err)

	_, err = r.RequireDM(playerTok)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	s, err := r.RequireDM(dmTok)
	require.NoError(t, err)
	assert.True(t, s.IsDM)
}

func TestLastSeenNeverGoesBackwards(t *testing.T) {
	r := NewRegistry(newCodec())
	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	_, tok, err := r.Create("p-1", "Mira", "camp-1", false, "")
	require.NoError(t, err)

	clock = base.Add(time.Minute)
	s, err := r.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), s.LastSeen)

	clock = base.Add(-time.Hour)
	s, err = r.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), s.LastSeen)
}

func TestForgetKeepsTokenUsable(t *testing.T) {
	r := NewRegistry(newCodec())
	_, tok, err := r.Create("p-1", "Mira", "camp-1", false, "")
	require.NoError(t, err)
	_, err = r.SetReady(tok, true)
	require.NoError(t, err)

	r.Forget(tok)
	assert.Zero(t, r.Len())

	s, err := r.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "p-1", s.PlayerID)
	assert.False(t, s.IsReady, "cached flags are lost on forget")
}

func TestListForCampaignAndPresence(t *testing.T) {
	r := NewRegistry(newCodec())
	_, a, _ := r.Create("a", "A", "camp-1", false, "")
	_, _, _ = r.Create("b", "B", "camp-1", false, "")
	_, _, _ = r.Create("c", "C", "camp-2", false, "")

	assert.Len(t, r.ListForCampaign("camp-1"), 2)
	assert.Len(t, r.ListForCampaign("camp-2"), 1)
	assert.Empty(t, r.ListForCampaign("camp-3"))

	assert.True(t, r.MarkConnected(a, true))
	assert.Equal(t, 1, r.CountConnected("camp-1"))
	assert.False(t, r.MarkConnected("unknown", true))
}

func TestPrune(t *testing.T) {
	r := NewRegistry(newCodec())
	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	_, idle, _ := r.Create("idle", "Idle", "camp-1", false, "")
	_, live, _ := r.Create("live", "Live", "camp-1", false, "")
	r.MarkConnected(live, true)

	clock = base.Add(time.Hour)
	assert.Equal(t, 1, r.Prune(base.Add(time.Minute)))
	assert.Equal(t, 1, r.Len())

	_, err := r.Validate(idle)
	require.NoError(t, err, "pruned tokens rebuild from claims")
}

func TestConcurrentUpdatesSameToken(t *testing.T) {
	r := NewRegistry(newCodec())
	_, tok, err := r.Create("p-1", "Mira", "camp-1", false, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = r.SetReady(tok, true)
			} else {
				_, _ = r.SetCharacter(tok, fmt.Sprintf("char-%d", i))
			}
			_, _ = r.Validate(tok)
		}(i)
	}
	wg.Wait()

	s, err := r.Validate(tok)
	require.NoError(t, err)
	assert.True(t, s.IsReady)
	assert.NotEmpty(t, s.CharacterID)
	assert.Equal(t, 1, r.Len())
}
