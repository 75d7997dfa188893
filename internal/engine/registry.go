package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

// streamKey addresses one remote flow. Primary and low-def video share a
// slot because they are the same underlying stream at different bitrates.
type streamKey struct {
	user domain.UserID
	slot domain.StreamKind
}

func slotOf(kind domain.StreamKind) domain.StreamKind {
	if kind == domain.StreamKindLowDefVideo {
		return domain.StreamKindPrimaryVideo
	}
	return kind
}

// LocalStream is a published flow owned by the local user.
type LocalStream struct {
	Kind       domain.StreamKind
	Muted      bool
	Publishing bool // cleared when the role drops to audience

	placeholder     *core.VideoFrame
	placeholderFPS  int
	stopPlaceholder context.CancelFunc
}

// Subscription records intent towards a remote stream. Bound stays false
// until the remote side announces the stream (optimistic subscribe).
type Subscription struct {
	User      domain.UserID
	Requested domain.StreamKind
	Resolved  domain.StreamKind
	View      core.ViewID
	Bound     bool
}

type remoteCap struct {
	available  bool
	dualStream bool
}

type renderKey struct {
	user domain.UserID // "" for local preview
	slot domain.StreamKind
}

// RegistryDeps is the wiring a registry needs from its session.
type RegistryDeps struct {
	Renderer  core.Renderer
	Notify    func(core.Event)
	EmitLocal func(kind domain.StreamKind, f *core.VideoFrame)
	AutoAudio bool
	AutoVideo bool
	MinFPS    int
	MaxFPS    int
	Ctx       context.Context
}

// Registry tracks every known stream of one session and its
// mute/subscribe/render-binding state. It is safe for concurrent use and
// never touches session lifecycle state.
type Registry struct {
	deps RegistryDeps

	mu        sync.RWMutex
	local     map[domain.StreamKind]*LocalStream
	subs      map[streamKey]*Subscription
	avail     map[streamKey]remoteCap
	renderCBs map[renderKey]func(*core.VideoFrame)

	muteAllAudio  bool
	muteAllVideo  bool
	muteUserAudio map[domain.UserID]bool
	muteUserVideo map[streamKey]bool
}

func NewRegistry(deps RegistryDeps) *Registry {
	if deps.MinFPS <= 0 {
		deps.MinFPS = 5
	}
	if deps.MaxFPS < deps.MinFPS {
		deps.MaxFPS = 10
	}
	return &Registry{
		deps:          deps,
		local:         make(map[domain.StreamKind]*LocalStream),
		subs:          make(map[streamKey]*Subscription),
		avail:         make(map[streamKey]remoteCap),
		renderCBs:     make(map[renderKey]func(*core.VideoFrame)),
		muteUserAudio: make(map[domain.UserID]bool),
		muteUserVideo: make(map[streamKey]bool),
	}
}

// PublishLocal registers a published-local stream of the given kind. At
// most one primary video and one sub video stream exist per session.
func (r *Registry) PublishLocal(kind domain.StreamKind) error {
	if kind == domain.StreamKindLowDefVideo {
		return ErrNotVideoKind // the low-def variant is derived, not published directly
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, ok := r.local[kind]; ok && ls.Publishing {
		return ErrAlreadyPublished
	}
	r.local[kind] = &LocalStream{Kind: kind, Publishing: true}
	log.Debug().Str("module", "engine.registry").Str("kind", kind.String()).Msg("local stream published")
	return nil
}

// StopLocal removes a published-local stream and stops any placeholder
// emission for it.
func (r *Registry) StopLocal(kind domain.StreamKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.local[kind]
	if !ok {
		return ErrNotPublished
	}
	if ls.stopPlaceholder != nil {
		ls.stopPlaceholder()
	}
	delete(r.local, kind)
	return nil
}

// SetLocalPublishing flips the publishing flag on every local stream.
// Switching the role to audience marks them non-publishing without
// dropping the handles, so a later switch back to anchor can republish.
func (r *Registry) SetLocalPublishing(publishing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ls := range r.local {
		ls.Publishing = publishing
		if !publishing && ls.stopPlaceholder != nil {
			ls.stopPlaceholder()
			ls.stopPlaceholder = nil
		}
	}
}

// LocalPublished returns the kinds currently published.
func (r *Registry) LocalPublished() []domain.StreamKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StreamKind, 0, len(r.local))
	for kind, ls := range r.local {
		if ls.Publishing {
			out = append(out, kind)
		}
	}
	return out
}

// SetMuteImage stores the placeholder image emitted while local primary
// video is muted. fps is clamped to the allowed low range. Mute and
// image installation are accepted in either order: setting the image on
// an already muted stream starts emission right away.
func (r *Registry) SetMuteImage(frame *core.VideoFrame, fps int) {
	if fps < r.deps.MinFPS {
		fps = r.deps.MinFPS
	}
	if fps > r.deps.MaxFPS {
		fps = r.deps.MaxFPS
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.local[domain.StreamKindPrimaryVideo]
	if !ok {
		// Tolerated before publish; the image is picked up when the
		// stream appears.
		ls = &LocalStream{Kind: domain.StreamKindPrimaryVideo}
		r.local[domain.StreamKindPrimaryVideo] = ls
	}
	if frame != nil {
		frame = frame.Clone()
	}
	ls.placeholder = frame
	ls.placeholderFPS = fps
	if ls.stopPlaceholder != nil {
		ls.stopPlaceholder()
		ls.stopPlaceholder = nil
	}
	if ls.Muted && frame != nil && r.deps.EmitLocal != nil {
		ctx, cancel := context.WithCancel(r.deps.Ctx)
		ls.stopPlaceholder = cancel
		go r.placeholderLoop(ctx, domain.StreamKindPrimaryVideo, ls.placeholder, ls.placeholderFPS)
	}
}

// MuteLocal mutes or unmutes a published-local stream. While a video
// stream is muted and a placeholder image is set, the registry emits the
// placeholder at the configured fixed rate in lieu of live frames.
func (r *Registry) MuteLocal(kind domain.StreamKind, mute bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.local[kind]
	if !ok {
		return ErrNotPublished
	}
	if ls.Muted == mute {
		return nil
	}
	ls.Muted = mute
	if ls.stopPlaceholder != nil {
		ls.stopPlaceholder()
		ls.stopPlaceholder = nil
	}
	if mute && kind.IsVideo() && ls.placeholder != nil && r.deps.EmitLocal != nil {
		ctx, cancel := context.WithCancel(r.deps.Ctx)
		ls.stopPlaceholder = cancel
		go r.placeholderLoop(ctx, kind, ls.placeholder, ls.placeholderFPS)
	}
	return nil
}

func (r *Registry) placeholderLoop(ctx context.Context, kind domain.StreamKind, frame *core.VideoFrame, fps int) {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.deps.EmitLocal(kind, frame)
		}
	}
}

// LocalMuted reports the mute state of a local stream kind.
func (r *Registry) LocalMuted(kind domain.StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.local[kind]
	return ok && ls.Muted
}

// Subscribe records intent to receive (user, kind) and binds it to a
// render target. Unknown remote streams are accepted optimistically and
// resolved when the remote side announces them. Requesting low-def and
// primary for the same peer replaces one another: they share a slot.
func (r *Registry) Subscribe(user domain.UserID, kind domain.StreamKind, view core.ViewID) error {
	if err := user.Validate(); err != nil {
		return err
	}
	key := streamKey{user: user, slot: slotOf(kind)}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &Subscription{User: user, Requested: kind, View: view}
	r.subs[key] = sub
	if rc, ok := r.avail[key]; ok && rc.available {
		r.bindLocked(key, sub, rc)
	}
	return nil
}

// Unsubscribe releases the render-target binding synchronously and drops
// the subscription intent.
func (r *Registry) Unsubscribe(user domain.UserID, kind domain.StreamKind) {
	key := streamKey{user: user, slot: slotOf(kind)}
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()
	if ok && sub.Bound && key.slot.IsVideo() {
		r.deps.Renderer.Detach(user, key.slot)
	}
}

// bindLocked resolves the requested kind against the owner's capability
// and attaches the render target. Resolution precedence: the explicit
// request wins when the owner can serve it, otherwise the stream degrades
// to primary video. Degrading is policy, not an error.
func (r *Registry) bindLocked(key streamKey, sub *Subscription, rc remoteCap) {
	resolved := sub.Requested
	if resolved == domain.StreamKindLowDefVideo && !rc.dualStream {
		resolved = domain.StreamKindPrimaryVideo
		log.Debug().Str("module", "engine.registry").
			Str("user", string(sub.User)).
			Msg("peer has no dual-stream encoding, degrading lowdef to primary")
	}
	sub.Resolved = resolved
	sub.Bound = true
	if key.slot.IsVideo() && sub.View != "" {
		r.deps.Renderer.Attach(sub.User, key.slot, sub.View)
	}
}

// HandleRemoteUpdate feeds a backend availability announcement into the
// registry: pending subscriptions resolve, vanished streams unbind but
// keep their intent for eventual rebinding.
func (r *Registry) HandleRemoteUpdate(u core.RemoteStreamUpdate) {
	key := streamKey{user: u.User, slot: slotOf(u.Kind)}
	r.mu.Lock()
	r.avail[key] = remoteCap{available: u.Available, dualStream: u.DualStream}
	sub, subscribed := r.subs[key]
	var detach bool
	if subscribed {
		if u.Available && !sub.Bound {
			r.bindLocked(key, sub, r.avail[key])
		} else if !u.Available && sub.Bound {
			sub.Bound = false
			detach = sub.View != "" && key.slot.IsVideo()
		}
	}
	r.mu.Unlock()
	if detach {
		r.deps.Renderer.Detach(u.User, key.slot)
	}
	if r.deps.Notify != nil {
		r.deps.Notify(core.RemoteStreamChange{User: u.User, Kind: u.Kind, Available: u.Available})
	}
}

// ResolvedKind reports what the main-video subscription for user resolved
// to, if it is bound.
func (r *Registry) ResolvedKind(user domain.UserID) (domain.StreamKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[streamKey{user: user, slot: domain.StreamKindPrimaryVideo}]
	if !ok || !sub.Bound {
		return 0, false
	}
	return sub.Resolved, true
}

// Subscribed reports whether intent towards (user, kind's slot) exists.
func (r *Registry) Subscribed(user domain.UserID, kind domain.StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[streamKey{user: user, slot: slotOf(kind)}]
	return ok
}

func (r *Registry) MuteRemoteAudio(user domain.UserID, mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muteUserAudio[user] = mute
}

func (r *Registry) MuteRemoteVideo(user domain.UserID, kind domain.StreamKind, mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muteUserVideo[streamKey{user: user, slot: slotOf(kind)}] = mute
}

// MuteAllRemoteAudio flips the global audio flag. Per-user flags are kept
// untouched; suppression composes the two by logical OR.
func (r *Registry) MuteAllRemoteAudio(mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muteAllAudio = mute
}

func (r *Registry) MuteAllRemoteVideo(mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muteAllVideo = mute
}

// Suppressed reports whether delivery of (user, kind) is currently muted,
// either globally or for this user specifically.
func (r *Registry) Suppressed(user domain.UserID, kind domain.StreamKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == domain.StreamKindAudio {
		return r.muteAllAudio || r.muteUserAudio[user]
	}
	return r.muteAllVideo || r.muteUserVideo[streamKey{user: user, slot: slotOf(kind)}]
}

// SetRenderCallback installs a custom render sink for one stream,
// bypassing the renderer collaborator. user "" addresses local preview.
// A nil fn removes the callback.
func (r *Registry) SetRenderCallback(user domain.UserID, kind domain.StreamKind, fn func(*core.VideoFrame)) {
	key := renderKey{user: user, slot: slotOf(kind)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.renderCBs, key)
		return
	}
	r.renderCBs[key] = fn
}

// RenderRemote routes a decoded remote frame: suppressed streams are
// dropped, custom callbacks bypass the renderer collaborator.
func (r *Registry) RenderRemote(user domain.UserID, kind domain.StreamKind, frame *core.VideoFrame) {
	if r.Suppressed(user, kind) {
		return
	}
	r.mu.RLock()
	cb := r.renderCBs[renderKey{user: user, slot: slotOf(kind)}]
	r.mu.RUnlock()
	if cb != nil {
		cb(frame)
		return
	}
	r.deps.Renderer.Render(user, slotOf(kind), frame)
}

// RenderLocal feeds a local preview frame to the callback registered
// under the empty user id. Remote mute flags do not apply here.
func (r *Registry) RenderLocal(kind domain.StreamKind, frame *core.VideoFrame) {
	r.mu.RLock()
	cb := r.renderCBs[renderKey{user: "", slot: slotOf(kind)}]
	r.mu.RUnlock()
	if cb != nil {
		cb(frame)
	}
}

// Reset returns all mute/subscribe state to defaults and releases every
// render binding. Session teardown calls this exactly once.
func (r *Registry) Reset() {
	r.mu.Lock()
	var detach []streamKey
	for key, sub := range r.subs {
		if sub.Bound && key.slot.IsVideo() && sub.View != "" {
			detach = append(detach, key)
		}
	}
	for _, ls := range r.local {
		if ls.stopPlaceholder != nil {
			ls.stopPlaceholder()
		}
	}
	r.local = make(map[domain.StreamKind]*LocalStream)
	r.subs = make(map[streamKey]*Subscription)
	r.avail = make(map[streamKey]remoteCap)
	r.renderCBs = make(map[renderKey]func(*core.VideoFrame))
	r.muteAllAudio = false
	r.muteAllVideo = false
	r.muteUserAudio = make(map[domain.UserID]bool)
	r.muteUserVideo = make(map[streamKey]bool)
	r.mu.Unlock()
	for _, key := range detach {
		r.deps.Renderer.Detach(key.user, key.slot)
	}
}

// ResetSubscriptions drops remote-side state only. The audience path of
// switchRoom uses it: local publish state survives, subscriptions do not.
func (r *Registry) ResetSubscriptions() {
	r.mu.Lock()
	var detach []streamKey
	for key, sub := range r.subs {
		if sub.Bound && key.slot.IsVideo() && sub.View != "" {
			detach = append(detach, key)
		}
	}
	r.subs = make(map[streamKey]*Subscription)
	r.avail = make(map[streamKey]remoteCap)
	r.mu.Unlock()
	for _, key := range detach {
		r.deps.Renderer.Detach(key.user, key.slot)
	}
}
