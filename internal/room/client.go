package room

import (
	"context"

	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

// The helpers below wrap the message protocol. Each returns ErrRoomClosed if
// the room has stopped and ctx.Err() if ctx ends first.

func (r *Room) post(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-r.ctx.Done():
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, r *Room, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-r.ctx.Done():
		// The loop may have answered just before stopping.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRoomClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) Join(ctx context.Context, connID string, outbox chan types.Envelope, welcome func(View) (types.Envelope, error), announce *types.Envelope) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, Join{ConnID: connID, Outbox: outbox, Welcome: welcome, Announce: announce, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (r *Room) Leave(ctx context.Context, connID string, announce *types.Envelope) error {
	reply := make(chan struct{}, 1)
	if err := r.post(ctx, Leave{ConnID: connID, Announce: announce, Reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, r, reply)
	return err
}

func (r *Room) Mutate(ctx context.Context, fn func(s *engine.State) ([]types.Envelope, error)) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, Mutate{Fn: fn, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, r, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Broadcast sends envs to every member without touching combat state.
func (r *Room) Broadcast(ctx context.Context, envs ...types.Envelope) error {
	return r.Mutate(ctx, func(*engine.State) ([]types.Envelope, error) { return envs, nil })
}

func (r *Room) Direct(ctx context.Context, connID string, env types.Envelope) error {
	return r.post(ctx, Direct{ConnID: connID, Env: env})
}

func (r *Room) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.post(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	return await(ctx, r, reply)
}

// Close stops the room and closes every member outbox.
func (r *Room) Close() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.ctx.Done():
	}
}
