// Package room runs one goroutine per campaign. Every membership change,
// combat mutation and broadcast for a campaign goes through that goroutine,
// so members see events in exactly the order mutations were applied.
package room

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/types"
)

var ErrRoomClosed = fmt.Errorf("%w: campaign room closed", apperr.ErrInvalidState)

type Msg interface{ isRoomMsg() }

// Join registers Outbox and sends it the envelope built by Welcome. Announce,
// when set, goes to every other member.
type Join struct {
	ConnID   string
	Outbox   chan types.Envelope
	Welcome  func(v View) (types.Envelope, error)
	Announce *types.Envelope
	Reply    chan error
}

func (Join) isRoomMsg() {}

// Leave removes ConnID (if present) and sends Announce to whoever remains.
type Leave struct {
	ConnID   string
	Announce *types.Envelope
	Reply    chan struct{}
}

func (Leave) isRoomMsg() {}

// Mutate runs Fn against a copy of the combat state. On success the copy is
// committed and the returned envelopes are broadcast in order.
type Mutate struct {
	Fn    func(s *engine.State) ([]types.Envelope, error)
	Reply chan error
}

func (Mutate) isRoomMsg() {}

// Direct sends Env to a single member.
type Direct struct {
	ConnID string
	Env    types.Envelope
}

func (Direct) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type View struct {
	Version    int
	NumMembers int
	Combat     engine.State
}

type Room struct {
	id      string
	inbox   chan Msg
	combat  engine.State
	version int
	members map[string]chan types.Envelope
	onDrop  func(connID string)
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Room)

// WithDropHandler is called (on its own goroutine) for every member dropped
// because its outbox was full.
func WithDropHandler(fn func(connID string)) Option {
	return func(r *Room) { r.onDrop = fn }
}

func New(parent context.Context, id string, initial engine.State, opts ...Option) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:      id,
		inbox:   make(chan Msg, 64),
		combat:  initial,
		members: make(map[string]chan types.Envelope),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// Done is closed once the room stops accepting messages.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.join(msg)

			case Leave:
				delete(r.members, msg.ConnID)
				if msg.Announce != nil {
					r.broadcast(*msg.Announce)
				}
				if msg.Reply != nil {
					msg.Reply <- struct{}{}
				}

			case Mutate:
				working := engine.Snapshot(r.combat)
				envs, err := run(msg.Fn, &working)
				if err == nil {
					r.combat = working
					r.version++
					for _, env := range envs {
						r.broadcast(env)
					}
				}
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case Direct:
				r.send(msg.ConnID, msg.Env)

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) join(msg Join) {
	var welcome types.Envelope
	if msg.Welcome != nil {
		env, err := msg.Welcome(r.view())
		if err != nil {
			msg.Reply <- err
			return
		}
		welcome = env
	}

	if prev, ok := r.members[msg.ConnID]; ok && prev != msg.Outbox {
		close(prev)
		delete(r.members, msg.ConnID)
	}
	if msg.Announce != nil {
		r.broadcast(*msg.Announce)
	}
	r.members[msg.ConnID] = msg.Outbox
	if msg.Welcome != nil {
		r.send(msg.ConnID, welcome)
	}
	msg.Reply <- nil
}

func (r *Room) view() View {
	return View{
		Version:    r.version,
		NumMembers: len(r.members),
		Combat:     engine.Snapshot(r.combat),
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.members {
		close(ch) // no more events for this member
		delete(r.members, id)
	}
	r.cancel()
}

func (r *Room) broadcast(env types.Envelope) {
	for id := range r.members {
		r.send(id, env)
	}
}

func (r *Room) send(id string, env types.Envelope) {
	ch, ok := r.members[id]
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
		// Member is slow/full - drop them.
		close(ch)
		delete(r.members, id)
		if r.onDrop != nil {
			go r.onDrop(id)
		}
	}
}

// run keeps a panicking mutation from taking the room down with it.
func run(fn func(*engine.State) ([]types.Envelope, error), s *engine.State) (envs []types.Envelope, err error) {
	defer func() {
		if p := recover(); p != nil {
			envs, err = nil, fmt.Errorf("room mutation panicked: %v", p)
		}
	}()
	return fn(s)
}
