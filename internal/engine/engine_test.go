package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/rtcroom/internal/adapters/loopback"
	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

func newTestEngine(b *loopback.Backend) (*Engine, core.EventChan) {
	sink := make(core.EventChan, 64)
	e := New(Deps{Backend: b, Sink: sink})
	return e, sink
}

func waitEvent[T core.Event](t *testing.T, sink core.EventChan) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func drainFor(sink core.EventChan, d time.Duration) []core.Event {
	var out []core.Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-sink:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func mustJoin(t *testing.T, e *Engine, sink core.EventChan, p JoinParams) {
	t.Helper()
	if err := e.Join(p); err != nil {
		t.Fatalf("Join: %v", err)
	}
	res := waitEvent[core.JoinResult](t, sink)
	if res.Elapsed < 0 {
		t.Fatalf("join failed with code %d", res.Elapsed)
	}
	if got := e.State(); got != StateJoined {
		t.Fatalf("state after join = %v, want joined", got)
	}
}

func liveParams(user string) JoinParams {
	return JoinParams{
		Room:  domain.NumericRoom(101),
		User:  domain.UserID(user),
		Role:  domain.RoleAnchor,
		Scene: domain.SceneLive,
	}
}

func TestJoinReportsElapsed(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	if err := e.Join(liveParams("alice")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	res := waitEvent[core.JoinResult](t, sink)
	if res.Elapsed < 0 {
		t.Fatalf("elapsed = %d, want >= 0", res.Elapsed)
	}
	if !res.Room.Equal(domain.NumericRoom(101)) {
		t.Fatalf("room = %v", res.Room)
	}
}

func TestJoinValidatesRoomID(t *testing.T) {
	e, _ := newTestEngine(loopback.New())
	p := liveParams("alice")

	p.Room = domain.RoomID{}
	if err := e.Join(p); !errors.Is(err, domain.ErrRoomIDEmpty) {
		t.Fatalf("empty room: err = %v", err)
	}
	p.Room = domain.RoomID{Numeric: 1, String: "one"}
	if err := e.Join(p); !errors.Is(err, domain.ErrRoomIDAmbiguous) {
		t.Fatalf("ambiguous room: err = %v", err)
	}
	if e.State() != StateIdle {
		t.Fatal("failed validation must not change state")
	}
}

func TestSecondJoinFailsFast(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))
	if err := e.Join(liveParams("alice")); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join: err = %v, want ErrAlreadyJoined", err)
	}
}

func TestJoinFailureCode(t *testing.T) {
	b := loopback.New()
	b.JoinCode = core.CodeJoinFailed
	e, sink := newTestEngine(b)
	if err := e.Join(liveParams("alice")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	res := waitEvent[core.JoinResult](t, sink)
	if res.Elapsed != core.CodeJoinFailed {
		t.Fatalf("elapsed = %d, want %d", res.Elapsed, core.CodeJoinFailed)
	}
	waitForState(t, e, StateIdle)
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", e.State(), want)
}

func TestLeaveIsIdempotent(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))

	if err := e.Leave(); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := e.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	waitEvent[core.LeaveDone](t, sink)
	waitForState(t, e, StateIdle)

	// Leaving while idle stays a harmless no-op.
	if err := e.Leave(); err != nil {
		t.Fatalf("leave while idle: %v", err)
	}
	if e.State() != StateIdle {
		t.Fatal("leave while idle changed state")
	}
}

func TestOperationsFailFastAfterLeave(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))

	if err := e.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	// The fence is synchronous: no waiting for teardown.
	if err := e.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1"); err == nil {
		t.Fatal("Subscribe after leave silently succeeded")
	}
	if _, err := e.StartPublish([]PublishTarget{{URL: "rtmp://cdn/a"}}, EncoderParams{AudioBitrate: 64}, nil); err == nil {
		t.Fatal("StartPublish after leave silently succeeded")
	}
	if err := e.MuteRemoteAudio("bob", true); err == nil {
		t.Fatal("MuteRemoteAudio after leave silently succeeded")
	}
	waitEvent[core.LeaveDone](t, sink)
}

func TestLeaveWhileJoiningSuppressesStaleResult(t *testing.T) {
	b := loopback.New()
	b.JoinGate = make(chan struct{})
	e, sink := newTestEngine(b)

	if err := e.Join(liveParams("alice")); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if e.State() != StateJoining {
		t.Fatalf("state = %v, want joining", e.State())
	}
	if err := e.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	close(b.JoinGate)

	waitEvent[core.LeaveDone](t, sink)
	for _, ev := range drainFor(sink, 100*time.Millisecond) {
		if _, ok := ev.(core.JoinResult); ok {
			t.Fatal("stale join result leaked after leave")
		}
	}
	waitForState(t, e, StateIdle)
}

func TestRejoinAfterLeave(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))
	_ = e.Leave()
	waitEvent[core.LeaveDone](t, sink)
	waitForState(t, e, StateIdle)
	mustJoin(t, e, sink, liveParams("alice"))
}

func TestRecvModeFrozenAfterJoin(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	if err := e.SetDefaultStreamRecvMode(false, false); err != nil {
		t.Fatalf("recv mode while idle: %v", err)
	}
	mustJoin(t, e, sink, liveParams("alice"))
	if err := e.SetDefaultStreamRecvMode(true, true); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("recv mode while joined: err = %v, want ErrNotIdle", err)
	}
}

func TestSwitchRoleAudienceToAnchorPublish(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	p := liveParams("alice")
	p.Role = domain.RoleAudience
	mustJoin(t, e, sink, p)

	reg, err := e.Streams()
	if err != nil {
		t.Fatalf("Streams: %v", err)
	}
	if got := len(reg.LocalPublished()); got != 0 {
		t.Fatalf("published before switch = %d, want 0", got)
	}
	if err := e.StartLocalVideo(domain.StreamKindPrimaryVideo); !errors.Is(err, ErrAudienceCannotPublish) {
		t.Fatalf("audience publish: err = %v", err)
	}

	if err := e.SwitchRole(domain.RoleAnchor); err != nil {
		t.Fatalf("SwitchRole: %v", err)
	}
	if err := e.StartLocalVideo(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("publish after switch: %v", err)
	}
	pub := reg.LocalPublished()
	if len(pub) != 1 || pub[0] != domain.StreamKindPrimaryVideo {
		t.Fatalf("published after switch = %v, want [primary_video]", pub)
	}
}

func TestSwitchRoleToAudienceStopsPublishing(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))
	if err := e.StartLocalVideo(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("StartLocalVideo: %v", err)
	}
	if err := e.SwitchRole(domain.RoleAudience); err != nil {
		t.Fatalf("SwitchRole: %v", err)
	}
	reg, _ := e.Streams()
	if got := len(reg.LocalPublished()); got != 0 {
		t.Fatalf("published as audience = %d, want 0", got)
	}
}

func TestSwitchRoleNeedsBroadcastScene(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	p := liveParams("alice")
	p.Scene = domain.SceneVideoCall
	mustJoin(t, e, sink, p)
	if err := e.SwitchRole(domain.RoleAudience); !errors.Is(err, ErrSceneWithoutRoles) {
		t.Fatalf("err = %v, want ErrSceneWithoutRoles", err)
	}
}

func TestSwitchRoomAnchorKeepsPublishedStreams(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))
	if err := e.StartLocalVideo(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("StartLocalVideo: %v", err)
	}

	if err := e.SwitchRoom(domain.NumericRoom(202)); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}
	if e.State() != StateJoined {
		t.Fatalf("state during anchor switch = %v, want joined (no idle visit)", e.State())
	}
	res := waitEvent[core.SwitchRoomResult](t, sink)
	if res.Code < 0 {
		t.Fatalf("switch code = %d", res.Code)
	}
	reg, _ := e.Streams()
	pub := reg.LocalPublished()
	if len(pub) != 1 || pub[0] != domain.StreamKindPrimaryVideo {
		t.Fatalf("published after switch = %v, want [primary_video]", pub)
	}
}

func TestSwitchRoomAudienceDropsSubscriptions(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	p := liveParams("alice")
	p.Role = domain.RoleAudience
	mustJoin(t, e, sink, p)
	if err := e.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := e.SwitchRoom(domain.NumericRoom(202)); err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}
	reg, _ := e.Streams()
	if reg.Subscribed("bob", domain.StreamKindPrimaryVideo) {
		t.Fatal("audience switch kept old-room subscription")
	}
}

func TestConcurrentRoleAndRoomSwitch(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = e.SwitchRole(domain.RoleAudience)
			_ = e.SwitchRole(domain.RoleAnchor)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = e.SwitchRoom(domain.NumericRoom(uint32(200 + i%2)))
		}
	}()
	wg.Wait()
	if e.State() != StateJoined {
		t.Fatalf("state = %v, want joined", e.State())
	}
}

func TestLeaveDuringScreenShareToggle(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := e.StartScreenShare(); err != nil {
				return
			}
			if err := e.StopScreenShare(); err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	if err := e.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitEvent[core.LeaveDone](t, sink)
	<-done
}

func TestBridgeSingleActive(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))

	if err := e.ConnectOtherRoom(domain.NumericRoom(102), "bob"); err != nil {
		t.Fatalf("ConnectOtherRoom: %v", err)
	}
	res := waitEvent[core.BridgeResult](t, sink)
	if res.Code < 0 {
		t.Fatalf("bridge code = %d", res.Code)
	}

	if err := e.ConnectOtherRoom(domain.NumericRoom(103), "carol"); !errors.Is(err, ErrBridgeActive) {
		t.Fatalf("second bridge: err = %v, want ErrBridgeActive", err)
	}

	if err := e.DisconnectOtherRoom(); err != nil {
		t.Fatalf("DisconnectOtherRoom: %v", err)
	}
	waitEvent[core.BridgeClosed](t, sink)
	if _, _, ok := e.Bridge(); ok {
		t.Fatal("bridge still reported after disconnect")
	}

	if err := e.ConnectOtherRoom(domain.NumericRoom(103), "carol"); err != nil {
		t.Fatalf("bridge after disconnect: %v", err)
	}
	waitEvent[core.BridgeResult](t, sink)
}

func TestBridgeFailureClearsBridge(t *testing.T) {
	b := loopback.New()
	b.BridgeCode = core.CodeBridgeFailed
	e, sink := newTestEngine(b)
	mustJoin(t, e, sink, liveParams("alice"))

	if err := e.ConnectOtherRoom(domain.NumericRoom(102), "bob"); err != nil {
		t.Fatalf("ConnectOtherRoom: %v", err)
	}
	res := waitEvent[core.BridgeResult](t, sink)
	if res.Code != core.CodeBridgeFailed {
		t.Fatalf("code = %d, want %d", res.Code, core.CodeBridgeFailed)
	}
	if _, _, ok := e.Bridge(); ok {
		t.Fatal("failed bridge left attached")
	}
}

func TestDisconnectWithoutBridgeIsNoop(t *testing.T) {
	e, sink := newTestEngine(loopback.New())
	mustJoin(t, e, sink, liveParams("alice"))
	if err := e.DisconnectOtherRoom(); err != nil {
		t.Fatalf("DisconnectOtherRoom: %v", err)
	}
}
