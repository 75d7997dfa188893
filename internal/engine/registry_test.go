package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

type fakeRenderer struct {
	mu       sync.Mutex
	attached map[string]core.ViewID
	rendered int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{attached: make(map[string]core.ViewID)}
}

func rkey(user domain.UserID, kind domain.StreamKind) string {
	return string(user) + "/" + kind.String()
}

func (f *fakeRenderer) Attach(user domain.UserID, kind domain.StreamKind, view core.ViewID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[rkey(user, kind)] = view
}

func (f *fakeRenderer) Detach(user domain.UserID, kind domain.StreamKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, rkey(user, kind))
}

func (f *fakeRenderer) Render(user domain.UserID, kind domain.StreamKind, frame *core.VideoFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered++
}

func (f *fakeRenderer) attachedView(user domain.UserID, kind domain.StreamKind) (core.ViewID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.attached[rkey(user, kind)]
	return v, ok
}

func (f *fakeRenderer) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rendered
}

func newTestRegistry(r core.Renderer) *Registry {
	return NewRegistry(RegistryDeps{
		Renderer: r,
		MinFPS:   5,
		MaxFPS:   10,
		Ctx:      context.Background(),
	})
}

func TestSubscribeBeforeAvailabilityBindsLater(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	if err := reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); ok {
		t.Fatal("attached before the stream exists")
	}
	if _, ok := reg.ResolvedKind("bob"); ok {
		t.Fatal("resolved before the stream exists")
	}

	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true, DualStream: true,
	})
	if v, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); !ok || v != "view-1" {
		t.Fatalf("attach after availability: view = %q, ok = %v", v, ok)
	}
	kind, ok := reg.ResolvedKind("bob")
	if !ok || kind != domain.StreamKindPrimaryVideo {
		t.Fatalf("resolved = %v, %v", kind, ok)
	}
}

func TestLowDefDegradesWithoutDualStream(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	if err := reg.Subscribe("bob", domain.StreamKindLowDefVideo, "view-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true, DualStream: false,
	})
	kind, ok := reg.ResolvedKind("bob")
	if !ok || kind != domain.StreamKindPrimaryVideo {
		t.Fatalf("resolved = %v, %v, want degraded primary_video", kind, ok)
	}
}

func TestLowDefHonoredWithDualStream(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.Subscribe("bob", domain.StreamKindLowDefVideo, "view-1")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true, DualStream: true,
	})
	kind, ok := reg.ResolvedKind("bob")
	if !ok || kind != domain.StreamKindLowDefVideo {
		t.Fatalf("resolved = %v, %v, want low_def_video", kind, ok)
	}
}

func TestPrimaryAndLowDefShareOneSlot(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1")
	_ = reg.Subscribe("bob", domain.StreamKindLowDefVideo, "view-2")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true, DualStream: true,
	})
	// The low-def request replaced the primary one, never joined it.
	kind, ok := reg.ResolvedKind("bob")
	if !ok || kind != domain.StreamKindLowDefVideo {
		t.Fatalf("resolved = %v, %v", kind, ok)
	}
	if v, _ := fr.attachedView("bob", domain.StreamKindPrimaryVideo); v != "view-2" {
		t.Fatalf("view = %q, want the replacing subscription's view", v)
	}
}

func TestUnsubscribeDetachesSynchronously(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true,
	})
	reg.Unsubscribe("bob", domain.StreamKindPrimaryVideo)
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); ok {
		t.Fatal("view still attached after unsubscribe")
	}
	if reg.Subscribed("bob", domain.StreamKindPrimaryVideo) {
		t.Fatal("intent survived unsubscribe")
	}
}

func TestVanishedStreamKeepsIntent(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true,
	})
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: false,
	})
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); ok {
		t.Fatal("view still attached after the stream vanished")
	}
	if !reg.Subscribed("bob", domain.StreamKindPrimaryVideo) {
		t.Fatal("intent dropped with the stream")
	}

	// The stream coming back rebinds without a new Subscribe call.
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true,
	})
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); !ok {
		t.Fatal("stream reappearance did not rebind")
	}
}

func TestMuteFlagsComposeByOr(t *testing.T) {
	reg := newTestRegistry(newFakeRenderer())

	reg.MuteRemoteAudio("bob", true)
	reg.MuteAllRemoteAudio(true)
	if !reg.Suppressed("bob", domain.StreamKindAudio) {
		t.Fatal("bob not suppressed")
	}
	if !reg.Suppressed("carol", domain.StreamKindAudio) {
		t.Fatal("carol not suppressed by global flag")
	}

	// Clearing the global flag must not clobber the per-user flag.
	reg.MuteAllRemoteAudio(false)
	if !reg.Suppressed("bob", domain.StreamKindAudio) {
		t.Fatal("per-user flag lost when global flag cleared")
	}
	if reg.Suppressed("carol", domain.StreamKindAudio) {
		t.Fatal("carol still suppressed")
	}

	// And the other way round.
	reg.MuteAllRemoteAudio(true)
	reg.MuteRemoteAudio("bob", false)
	if !reg.Suppressed("bob", domain.StreamKindAudio) {
		t.Fatal("global flag lost when per-user flag cleared")
	}
}

func TestRenderRemoteSuppressedAndBypass(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)
	frame := &core.VideoFrame{Width: 2, Height: 2, Data: make([]byte, 16)}

	reg.RenderRemote("bob", domain.StreamKindPrimaryVideo, frame)
	if fr.renderCount() != 1 {
		t.Fatalf("render count = %d, want 1", fr.renderCount())
	}

	reg.MuteRemoteVideo("bob", domain.StreamKindPrimaryVideo, true)
	reg.RenderRemote("bob", domain.StreamKindPrimaryVideo, frame)
	if fr.renderCount() != 1 {
		t.Fatal("muted frame reached the renderer")
	}

	reg.MuteRemoteVideo("bob", domain.StreamKindPrimaryVideo, false)
	var got int
	reg.SetRenderCallback("bob", domain.StreamKindPrimaryVideo, func(*core.VideoFrame) { got++ })
	reg.RenderRemote("bob", domain.StreamKindPrimaryVideo, frame)
	if got != 1 {
		t.Fatalf("callback calls = %d, want 1", got)
	}
	if fr.renderCount() != 1 {
		t.Fatal("callback did not bypass the renderer")
	}

	reg.SetRenderCallback("bob", domain.StreamKindPrimaryVideo, nil)
	reg.RenderRemote("bob", domain.StreamKindPrimaryVideo, frame)
	if fr.renderCount() != 2 {
		t.Fatal("removing the callback did not restore the renderer path")
	}
}

func TestPublishLocalRejectsLowDefAndDuplicates(t *testing.T) {
	reg := newTestRegistry(newFakeRenderer())

	if err := reg.PublishLocal(domain.StreamKindLowDefVideo); !errors.Is(err, ErrNotVideoKind) {
		t.Fatalf("low-def publish: err = %v", err)
	}
	if err := reg.PublishLocal(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if err := reg.PublishLocal(domain.StreamKindPrimaryVideo); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("duplicate publish: err = %v", err)
	}
	if err := reg.StopLocal(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("StopLocal: %v", err)
	}
	if err := reg.StopLocal(domain.StreamKindPrimaryVideo); !errors.Is(err, ErrNotPublished) {
		t.Fatalf("double stop: err = %v", err)
	}
}

func TestMuteImageFPSClamped(t *testing.T) {
	reg := newTestRegistry(newFakeRenderer())
	frame := &core.VideoFrame{Width: 2, Height: 2, Data: make([]byte, 16)}

	reg.SetMuteImage(frame, 30)
	if got := reg.local[domain.StreamKindPrimaryVideo].placeholderFPS; got != 10 {
		t.Fatalf("fps = %d, want clamped to 10", got)
	}
	reg.SetMuteImage(frame, 1)
	if got := reg.local[domain.StreamKindPrimaryVideo].placeholderFPS; got != 5 {
		t.Fatalf("fps = %d, want clamped to 5", got)
	}
	reg.SetMuteImage(frame, 7)
	if got := reg.local[domain.StreamKindPrimaryVideo].placeholderFPS; got != 7 {
		t.Fatalf("fps = %d, want 7 untouched", got)
	}
}

func TestPlaceholderEmittedWhileMuted(t *testing.T) {
	var mu sync.Mutex
	emitted := 0
	reg := NewRegistry(RegistryDeps{
		Renderer: newFakeRenderer(),
		EmitLocal: func(kind domain.StreamKind, f *core.VideoFrame) {
			mu.Lock()
			emitted++
			mu.Unlock()
		},
		MinFPS: 5,
		MaxFPS: 10,
		Ctx:    context.Background(),
	})
	frame := &core.VideoFrame{Width: 2, Height: 2, Data: make([]byte, 16)}

	if err := reg.PublishLocal(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	reg.SetMuteImage(frame, 10)
	if err := reg.MuteLocal(domain.StreamKindPrimaryVideo, true); err != nil {
		t.Fatalf("MuteLocal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := emitted
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("placeholder emissions = %d, want >= 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := reg.MuteLocal(domain.StreamKindPrimaryVideo, false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := emitted
	mu.Unlock()
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	final := emitted
	mu.Unlock()
	if final > after+1 {
		t.Fatalf("placeholder kept running after unmute: %d -> %d", after, final)
	}
}

func TestPlaceholderStartsWhenImageSetAfterMute(t *testing.T) {
	var mu sync.Mutex
	emitted := 0
	reg := NewRegistry(RegistryDeps{
		Renderer: newFakeRenderer(),
		EmitLocal: func(kind domain.StreamKind, f *core.VideoFrame) {
			mu.Lock()
			emitted++
			mu.Unlock()
		},
		MinFPS: 5,
		MaxFPS: 10,
		Ctx:    context.Background(),
	})
	frame := &core.VideoFrame{Width: 2, Height: 2, Data: make([]byte, 16)}

	if err := reg.PublishLocal(domain.StreamKindPrimaryVideo); err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	// Mute first, install the image second.
	if err := reg.MuteLocal(domain.StreamKindPrimaryVideo, true); err != nil {
		t.Fatalf("MuteLocal: %v", err)
	}
	reg.SetMuteImage(frame, 10)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := emitted
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("placeholder emissions = %d, want >= 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Clearing the image while still muted stops emission.
	reg.SetMuteImage(nil, 10)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := emitted
	mu.Unlock()
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	final := emitted
	mu.Unlock()
	if final > after+1 {
		t.Fatalf("placeholder kept running after image cleared: %d -> %d", after, final)
	}
}

func TestResetClearsEverything(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.PublishLocal(domain.StreamKindPrimaryVideo)
	_ = reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true,
	})
	reg.MuteAllRemoteAudio(true)

	reg.Reset()
	if len(reg.LocalPublished()) != 0 {
		t.Fatal("local streams survived reset")
	}
	if reg.Subscribed("bob", domain.StreamKindPrimaryVideo) {
		t.Fatal("subscription survived reset")
	}
	if reg.Suppressed("bob", domain.StreamKindAudio) {
		t.Fatal("mute flag survived reset")
	}
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); ok {
		t.Fatal("view still attached after reset")
	}
}

func TestResetSubscriptionsKeepsLocal(t *testing.T) {
	fr := newFakeRenderer()
	reg := newTestRegistry(fr)

	_ = reg.PublishLocal(domain.StreamKindPrimaryVideo)
	_ = reg.Subscribe("bob", domain.StreamKindPrimaryVideo, "view-1")
	reg.HandleRemoteUpdate(core.RemoteStreamUpdate{
		User: "bob", Kind: domain.StreamKindPrimaryVideo, Available: true,
	})

	reg.ResetSubscriptions()
	if reg.Subscribed("bob", domain.StreamKindPrimaryVideo) {
		t.Fatal("subscription survived")
	}
	if _, ok := fr.attachedView("bob", domain.StreamKindPrimaryVideo); ok {
		t.Fatal("view still attached")
	}
	if got := len(reg.LocalPublished()); got != 1 {
		t.Fatalf("local published = %d, want 1", got)
	}
}
