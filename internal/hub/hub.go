// Package hub owns the campaignID -> room table.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/DoyleJ11/dungeon-table/internal/apperr"
	"github.com/DoyleJ11/dungeon-table/internal/engine"
	"github.com/DoyleJ11/dungeon-table/internal/room"
)

var ErrHubClosed = fmt.Errorf("%w: hub closed", apperr.ErrServiceUnavailable)

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	CampaignID string
	Reply      chan *room.Room
}

// EnsureRoom returns the campaign's room, creating it with Initial when
// missing or when the previous room has stopped.
type EnsureRoom struct {
	CampaignID string
	Initial    engine.State // only used if creation happens
	Reply      chan *room.Room
}

type RemoveRoom struct {
	CampaignID string
	Reply      chan bool
}

type ShutdownHub struct {
	Done chan struct{}
}

type CountRooms struct {
	Reply chan int
}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}
func (CountRooms) isHubMsg()  {}

type Hub struct {
	inbox    chan HubMsg
	rooms    map[string]*room.Room
	roomOpts []room.Option
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub starts the hub; roomOpts are applied to every room it creates.
func NewHub(parent context.Context, roomOpts ...room.Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		rooms:    make(map[string]*room.Room),
		roomOpts: roomOpts,
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				rm := h.rooms[msg.CampaignID]
				if rm != nil && closed(rm) {
					delete(h.rooms, msg.CampaignID)
					rm = nil
				}
				msg.Reply <- rm // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.CampaignID]; rm != nil && !closed(rm) {
					msg.Reply <- rm
					break
				}
				initial := msg.Initial
				if initial.CampaignID == "" {
					initial = engine.NewIdleState(msg.CampaignID)
				}
				rm := room.New(h.ctx, msg.CampaignID, initial, h.roomOpts...)
				h.rooms[msg.CampaignID] = rm
				msg.Reply <- rm

			case RemoveRoom:
				rm, ok := h.rooms[msg.CampaignID]
				if ok {
					delete(h.rooms, msg.CampaignID)
					rm.Close()
				}
				if msg.Reply != nil {
					msg.Reply <- ok
				}

			case CountRooms:
				msg.Reply <- len(h.rooms)

			case ShutdownHub:
				h.shutdown()
				close(msg.Done)
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, rm := range h.rooms {
		rm.Close()
	}
	clear(h.rooms)
	h.cancel()
}

func closed(rm *room.Room) bool {
	select {
	case <-rm.Done():
		return true
	default:
		return false
	}
}

func (h *Hub) post(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait[T any](ctx context.Context, h *Hub, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.ctx.Done():
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrHubClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Ensure returns the live room for campaignID, creating it on first use.
func (h *Hub) Ensure(ctx context.Context, campaignID string, initial engine.State) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.post(ctx, EnsureRoom{CampaignID: campaignID, Initial: initial, Reply: reply}); err != nil {
		return nil, err
	}
	return wait(ctx, h, reply)
}

// Get returns the live room for campaignID or nil.
func (h *Hub) Get(ctx context.Context, campaignID string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.post(ctx, GetRoom{CampaignID: campaignID, Reply: reply}); err != nil {
		return nil, err
	}
	return wait(ctx, h, reply)
}

// Remove stops the campaign's room and reports whether one existed.
func (h *Hub) Remove(ctx context.Context, campaignID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.post(ctx, RemoveRoom{CampaignID: campaignID, Reply: reply}); err != nil {
		return false, err
	}
	return wait(ctx, h, reply)
}

func (h *Hub) Len(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.post(ctx, CountRooms{Reply: reply}); err != nil {
		return 0, err
	}
	return wait(ctx, h, reply)
}

// Shutdown stops every room and then the hub itself.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.post(ctx, ShutdownHub{Done: done}); err != nil {
		if errors.Is(err, ErrHubClosed) {
			return nil
		}
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
