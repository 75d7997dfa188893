// Package loopback is an in-process Backend collaborator. It stands in
// for the real signalling/transport stack: joins resolve locally, task
// ids are minted here, and the per-room substream slot is modelled in
// memory. The demo binary and the engine tests both run against it.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

// Backend implements core.Backend. The zero value is usable; the exported
// knobs inject latency and failures for tests.
type Backend struct {
	// Latency delays every asynchronous outcome.
	Latency time.Duration
	// JoinCode, SwitchCode, BridgeCode, PublishCode, when negative,
	// force the corresponding operation to fail with that code.
	JoinCode    int64
	SwitchCode  int
	BridgeCode  int
	PublishCode int
	// JoinGate, when set, holds the join outcome until the channel is
	// closed. Tests use it to race Leave against a pending Join.
	JoinGate chan struct{}

	mu        sync.Mutex
	observer  func(core.RemoteStreamUpdate)
	substream map[string]domain.UserID // room key -> slot holder
	dual      map[domain.UserID]bool   // advertised dual-stream capability
	stopped   []string                 // task ids stopped, in order
	messages  int
}

func New() *Backend {
	return &Backend{
		substream: make(map[string]domain.UserID),
		dual:      make(map[domain.UserID]bool),
	}
}

func (b *Backend) Join(ctx context.Context, req core.JoinRequest) <-chan core.JoinOutcome {
	ch := make(chan core.JoinOutcome, 1)
	started := time.Now()
	go func() {
		if !b.wait(ctx) {
			return
		}
		if b.JoinGate != nil {
			select {
			case <-b.JoinGate:
			case <-ctx.Done():
				return
			}
		}
		if b.JoinCode < 0 {
			ch <- core.JoinOutcome{Elapsed: b.JoinCode}
			return
		}
		elapsed := time.Since(started).Milliseconds()
		log.Debug().Str("module", "loopback").Str("room", req.Room.Key()).Int64("elapsed_ms", elapsed).Msg("join resolved")
		ch <- core.JoinOutcome{Elapsed: elapsed}
	}()
	return ch
}

func (b *Backend) Leave(ctx context.Context, room domain.RoomID, user domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if holder, ok := b.substream[room.Key()]; ok && holder == user {
		delete(b.substream, room.Key())
	}
	delete(b.dual, user)
}

func (b *Backend) SwitchRoom(ctx context.Context, from, to domain.RoomID, user domain.UserID) <-chan int {
	return b.code(ctx, b.SwitchCode)
}

func (b *Backend) ConnectRoom(ctx context.Context, local, remote domain.RoomID, peer domain.UserID) <-chan int {
	return b.code(ctx, b.BridgeCode)
}

func (b *Backend) DisconnectRoom(ctx context.Context, local domain.RoomID) {}

func (b *Backend) StartPublish(ctx context.Context, req core.PublishRequest) <-chan core.PublishOutcome {
	ch := make(chan core.PublishOutcome, 1)
	go func() {
		if !b.wait(ctx) {
			return
		}
		if b.PublishCode < 0 {
			ch <- core.PublishOutcome{Code: b.PublishCode}
			return
		}
		ch <- core.PublishOutcome{TaskID: uuid.NewString()}
	}()
	return ch
}

func (b *Backend) UpdatePublish(ctx context.Context, taskID string, req core.PublishRequest) <-chan core.PublishOutcome {
	ch := make(chan core.PublishOutcome, 1)
	go func() {
		if !b.wait(ctx) {
			return
		}
		if b.PublishCode < 0 {
			ch <- core.PublishOutcome{Code: b.PublishCode}
			return
		}
		ch <- core.PublishOutcome{TaskID: taskID}
	}()
	return ch
}

func (b *Backend) StopPublish(ctx context.Context, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, taskID)
}

func (b *Backend) SetDualStream(room domain.RoomID, user domain.UserID, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dual[user] = enabled
}

func (b *Backend) ClaimSubstream(room domain.RoomID, user domain.UserID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if holder, ok := b.substream[room.Key()]; ok && holder != user {
		return false
	}
	b.substream[room.Key()] = user
	return true
}

func (b *Backend) ReleaseSubstream(room domain.RoomID, user domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if holder, ok := b.substream[room.Key()]; ok && holder == user {
		delete(b.substream, room.Key())
	}
}

func (b *Backend) SendMessage(ctx context.Context, room domain.RoomID, cmdID int, payload []byte, reliableOrdered bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages++
	return nil
}

func (b *Backend) OnRemoteStream(fn func(core.RemoteStreamUpdate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// AnnounceStream injects a remote stream availability change, as the real
// backend would after a peer starts or stops publishing. The owner's
// advertised dual-stream capability is folded into the update.
func (b *Backend) AnnounceStream(u core.RemoteStreamUpdate) {
	b.mu.Lock()
	fn := b.observer
	if enabled, ok := b.dual[u.User]; ok {
		u.DualStream = enabled
	}
	b.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// StoppedTasks returns the task ids stopped so far, in call order.
func (b *Backend) StoppedTasks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stopped...)
}

// Messages returns how many command messages were sent.
func (b *Backend) Messages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages
}

func (b *Backend) code(ctx context.Context, code int) <-chan int {
	ch := make(chan int, 1)
	go func() {
		if !b.wait(ctx) {
			return
		}
		ch <- code
	}()
	return ch
}

func (b *Backend) wait(ctx context.Context) bool {
	if b.Latency <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(b.Latency):
		return true
	case <-ctx.Done():
		return false
	}
}
