package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

// helper: receive one envelope with a timeout so tests never hang
func recvEnvelope(t *testing.T, ch <-chan types.Envelope, within time.Duration) types.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("member outbox closed unexpectedly")
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return types.Envelope{} // unreachable
	}
}

func recvNothing(t *testing.T, ch <-chan types.Envelope, within time.Duration) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected nothing within %v, but got: %+v", within, env)
	case <-time.After(within):
	}
}

func welcome(v View) (types.Envelope, error) {
	return types.New(types.EvtGameState, types.GameState{Combat: v.Combat, Version: v.Version}), nil
}

func joined(id string) *types.Envelope {
	env := types.New(types.EvtPlayerJoined, types.PlayerPresence{PlayerID: id})
	return &env
}

func combatRoom(t *testing.T, ctx context.Context, hp int) *Room {
	t.Helper()
	s := engine.NewIdleState("camp")
	_, s, err := engine.Apply(s, engine.Command{
		Type:         engine.CmdStartCombat,
		Participants: []engine.Participant{{ID: "ogre", MaxHP: hp}},
	}, engine.ScriptedRoller(10))
	if err != nil {
		t.Fatalf("start combat: %v", err)
	}
	return New(ctx, "camp", s)
}

func applyCmd(cmd engine.Command) func(*engine.State) ([]types.Envelope, error) {
	return func(s *engine.State) ([]types.Envelope, error) {
		events, next, err := engine.Apply(*s, cmd, nil)
		if err != nil {
			return nil, err
		}
		*s = next
		return []types.Envelope{types.New(types.EvtCombatUpdate, types.CombatUpdate{Combat: next, Events: events})}, nil
	}
}

func TestRoom_JoinWelcomesAndAnnounces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	a := make(chan types.Envelope, 4)
	if err := r.Join(ctx, "a", a, welcome, joined("a")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if env := recvEnvelope(t, a, 100*time.Millisecond); env.Event != types.EvtGameState {
		t.Fatalf("a: want game_state, got %s", env.Event)
	}

	b := make(chan types.Envelope, 4)
	if err := r.Join(ctx, "b", b, welcome, joined("b")); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if env := recvEnvelope(t, a, 100*time.Millisecond); env.Event != types.EvtPlayerJoined {
		t.Fatalf("a: want player_joined, got %s", env.Event)
	}
	if env := recvEnvelope(t, b, 100*time.Millisecond); env.Event != types.EvtGameState {
		t.Fatalf("b: want game_state, got %s", env.Event)
	}
	recvNothing(t, b, 30*time.Millisecond) // no self announcement

	v, err := r.State(ctx)
	if err != nil || v.NumMembers != 2 {
		t.Fatalf("state: %+v %v", v, err)
	}
}

func TestRoom_RejoinReplacesOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	first := make(chan types.Envelope, 4)
	if err := r.Join(ctx, "a", first, welcome, joined("a")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	recvEnvelope(t, first, 100*time.Millisecond)
	b := make(chan types.Envelope, 4)
	if err := r.Join(ctx, "b", b, welcome, joined("b")); err != nil {
		t.Fatalf("join b: %v", err)
	}
	recvEnvelope(t, first, 100*time.Millisecond)
	recvEnvelope(t, b, 100*time.Millisecond)

	second := make(chan types.Envelope, 4)
	if err := r.Join(ctx, "a", second, welcome, joined("a")); err != nil {
		t.Fatalf("rejoin a: %v", err)
	}
	select {
	case env, ok := <-first:
		if ok {
			t.Fatalf("old outbox got %+v, want closed", env)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("old outbox not closed")
	}
	if env := recvEnvelope(t, second, 100*time.Millisecond); env.Event != types.EvtGameState {
		t.Fatalf("a: want game_state, got %s", env.Event)
	}
	recvNothing(t, second, 30*time.Millisecond)
	if env := recvEnvelope(t, b, 100*time.Millisecond); env.Event != types.EvtPlayerJoined {
		t.Fatalf("b: want player_joined, got %s", env.Event)
	}

	v, err := r.State(ctx)
	if err != nil || v.NumMembers != 2 {
		t.Fatalf("state: %+v %v", v, err)
	}
}

func TestRoom_WelcomeErrorRejectsJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	boom := errors.New("campaign gone")
	out := make(chan types.Envelope, 1)
	err := r.Join(ctx, "a", out, func(View) (types.Envelope, error) { return types.Envelope{}, boom }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("want welcome error, got %v", err)
	}
	v, _ := r.State(ctx)
	if v.NumMembers != 0 {
		t.Fatalf("member registered despite failed welcome")
	}
}

func TestRoom_MutateBroadcastsInOrderAndBumpsVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := combatRoom(t, ctx, 30)

	out := make(chan types.Envelope, 16)
	if err := r.Join(ctx, "a", out, nil, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	for _, amt := range []int{3, 5, 7} {
		if err := r.Mutate(ctx, applyCmd(engine.Command{Type: engine.CmdApplyDamage, CombatantID: "ogre", Amount: amt})); err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}

	wantHP := []int{27, 22, 15}
	for i, want := range wantHP {
		env := recvEnvelope(t, out, 100*time.Millisecond)
		cu := env.Data.(types.CombatUpdate)
		if cu.Combat.Combatants[0].HP != want {
			t.Fatalf("update %d: hp got %d, want %d", i, cu.Combat.Combatants[0].HP, want)
		}
	}

	v, _ := r.State(ctx)
	if v.Version != 3 {
		t.Fatalf("version: got %d, want 3", v.Version)
	}
}

func TestRoom_FailedMutateLeavesStateAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := combatRoom(t, ctx, 10)

	out := make(chan types.Envelope, 4)
	_ = r.Join(ctx, "a", out, nil, nil)

	err := r.Mutate(ctx, func(s *engine.State) ([]types.Envelope, error) {
		s.Combatants[0].HP = 1 // scribble on the working copy, then fail
		return nil, engine.ErrUnknownCombatant
	})
	if !errors.Is(err, engine.ErrUnknownCombatant) {
		t.Fatalf("got %v", err)
	}
	recvNothing(t, out, 30*time.Millisecond)

	v, _ := r.State(ctx)
	if v.Version != 0 || v.Combat.Combatants[0].HP != 10 {
		t.Fatalf("state changed by failed mutation: %+v", v)
	}
}

func TestRoom_PanickingMutateIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := combatRoom(t, ctx, 10)

	err := r.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) { panic("bad handler") })
	if err == nil {
		t.Fatalf("expected error from panicking mutation")
	}
	if _, err := r.State(ctx); err != nil {
		t.Fatalf("room died: %v", err)
	}
}

func TestRoom_ConcurrentDamageSerialises(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 20; i++ {
		r := combatRoom(t, ctx, 10)
		var wg sync.WaitGroup
		for _, amt := range []int{7, 10} {
			wg.Add(1)
			go func(amt int) {
				defer wg.Done()
				_ = r.Mutate(ctx, applyCmd(engine.Command{Type: engine.CmdApplyDamage, CombatantID: "ogre", Amount: amt}))
			}(amt)
		}
		wg.Wait()

		v, _ := r.State(ctx)
		c := v.Combat.Combatants[0]
		if c.HP != 0 || len(c.Conditions) != 1 || c.Conditions[0] != engine.ConditionUnconscious {
			t.Fatalf("run %d: got %+v", i, c)
		}
		r.Close()
	}
}

func TestRoom_LeaveAnnouncesToRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	a := make(chan types.Envelope, 4)
	b := make(chan types.Envelope, 4)
	_ = r.Join(ctx, "a", a, nil, nil)
	_ = r.Join(ctx, "b", b, nil, nil)

	left := types.New(types.EvtPlayerLeft, types.PlayerPresence{PlayerID: "b"})
	if err := r.Leave(ctx, "b", &left); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if env := recvEnvelope(t, a, 100*time.Millisecond); env.Event != types.EvtPlayerLeft {
		t.Fatalf("want player_left, got %s", env.Event)
	}
	recvNothing(t, b, 30*time.Millisecond)

	// Leaving twice is harmless.
	if err := r.Leave(ctx, "b", nil); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestRoom_DirectOnlyReachesTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	a := make(chan types.Envelope, 4)
	b := make(chan types.Envelope, 4)
	_ = r.Join(ctx, "a", a, nil, nil)
	_ = r.Join(ctx, "b", b, nil, nil)

	_ = r.Direct(ctx, "b", types.New(types.EvtError, types.ErrorPayload{Code: "x"}))
	if env := recvEnvelope(t, b, 100*time.Millisecond); env.Event != types.EvtError {
		t.Fatalf("got %s", env.Event)
	}
	recvNothing(t, a, 30*time.Millisecond)
}

func TestRoom_SlowMemberIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dropped := make(chan string, 1)
	r := New(ctx, "camp", engine.NewIdleState("camp"), WithDropHandler(func(id string) { dropped <- id }))

	slow := make(chan types.Envelope) // unbuffered and never read
	fast := make(chan types.Envelope, 4)
	_ = r.Join(ctx, "slow", slow, nil, nil)
	_ = r.Join(ctx, "fast", fast, nil, nil)

	if err := r.Broadcast(ctx, types.New(types.EvtDMTyping, nil)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	recvEnvelope(t, fast, 100*time.Millisecond)

	select {
	case id := <-dropped:
		if id != "slow" {
			t.Fatalf("dropped %q", id)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("drop handler not called")
	}
	if _, ok := <-slow; ok {
		t.Fatalf("slow outbox should be closed")
	}
}

func TestRoom_ShutdownClosesOutboxesAndRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx, "camp", engine.NewIdleState("camp"))

	out := make(chan types.Envelope, 1)
	_ = r.Join(ctx, "a", out, nil, nil)
	r.Close()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed outbox")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("outbox not closed on shutdown")
	}

	<-r.Done()
	if err := r.Mutate(ctx, applyCmd(engine.Command{Type: engine.CmdNextTurn})); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("want ErrRoomClosed, got %v", err)
	}
}
