package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

// JoinParams is everything a join needs. Room must be valid in exactly
// one of its two representations.
type JoinParams struct {
	Room       domain.RoomID
	User       domain.UserID
	Role       domain.Role
	Scene      domain.Scene
	Credential string
}

// SetDefaultStreamRecvMode selects automatic vs manual subscription for
// the next join. It is accepted only while idle; the setting freezes once
// a join starts.
func (e *Engine) SetDefaultStreamRecvMode(autoAudio, autoVideo bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return ErrNotIdle
	}
	e.autoRecvAudio = autoAudio
	e.autoRecvVideo = autoVideo
	return nil
}

// Join enters a room. It fails fast when a session already exists; the
// outcome arrives as a JoinResult event carrying either the join latency
// in ms or a negative error code.
func (e *Engine) Join(p JoinParams) error {
	if err := p.Room.Validate(); err != nil {
		return err
	}
	if err := p.User.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyJoined
	}
	e.epoch++
	sess := newSession(e.epoch, p, sessionDeps{
		backend:           e.backend,
		renderer:          e.renderer,
		notify:            e.notify,
		emitLocal:         e.emitLocalFrame,
		autoAudio:         e.autoRecvAudio,
		autoVideo:         e.autoRecvVideo,
		poolLowWaterMS:    e.poolLowWaterMS,
		minPlaceholderFPS: e.minPlaceholderFPS,
		maxPlaceholderFPS: e.maxPlaceholderFPS,
	})
	e.state = StateJoining
	e.sess = sess
	e.mu.Unlock()

	log.Info().Str("module", "engine.session").
		Str("room", p.Room.Key()).Str("user", string(p.User)).
		Str("scene", p.Scene.String()).Str("role", p.Role.String()).
		Msg("joining room")

	e.backend.OnRemoteStream(func(u core.RemoteStreamUpdate) {
		if sess.closed.Load() {
			return
		}
		sess.streams.HandleRemoteUpdate(u)
	})

	started := time.Now()
	ch := e.backend.Join(sess.ctx, core.JoinRequest{
		Room:          p.Room,
		User:          p.User,
		Role:          p.Role,
		Scene:         p.Scene,
		Credential:    p.Credential,
		AutoRecvAudio: e.autoRecvAudio,
		AutoRecvVideo: e.autoRecvVideo,
	})
	go e.awaitJoin(sess, ch, started)
	return nil
}

func (e *Engine) awaitJoin(sess *session, ch <-chan core.JoinOutcome, started time.Time) {
	var out core.JoinOutcome
	select {
	case out = <-ch:
	case <-time.After(e.joinTimeout):
		out = core.JoinOutcome{Elapsed: core.CodeJoinTimeout}
	case <-sess.ctx.Done():
		// Leave cancelled the in-flight join; the stale outcome is
		// suppressed here rather than surfacing to the caller.
		return
	}

	e.mu.Lock()
	if e.sess != sess || sess.closed.Load() {
		e.mu.Unlock()
		return
	}
	if out.Elapsed < 0 {
		e.state = StateIdle
		e.sess = nil
		e.mu.Unlock()
		sess.cancel()
		log.Warn().Str("module", "engine.session").
			Str("room", sess.room.Key()).Int64("code", out.Elapsed).
			Msg("join failed")
		e.emit(core.JoinResult{Epoch: sess.epoch, Room: sess.room, Elapsed: out.Elapsed})
		return
	}
	e.state = StateJoined
	sess.joinedAt = time.Now()
	room := sess.room
	e.mu.Unlock()

	elapsed := time.Since(started).Milliseconds()
	log.Info().Str("module", "engine.session").
		Str("room", room.Key()).Int64("elapsed_ms", elapsed).
		Msg("joined room")
	e.emit(core.JoinResult{Epoch: sess.epoch, Room: room, Elapsed: elapsed})
}

// Leave exits the current room. It is idempotent: calling it while
// already leaving or idle is a harmless no-op. The session is marked
// invalid synchronously; teardown of streams, tasks and devices runs
// asynchronously and is confirmed by a LeaveDone event.
func (e *Engine) Leave() error {
	e.mu.Lock()
	if e.state == StateIdle || e.state == StateLeaving {
		e.mu.Unlock()
		return nil
	}
	sess := e.sess
	e.state = StateLeaving
	sess.closed.Store(true) // fence: stream/task operations fail fast from here
	e.mu.Unlock()

	go e.teardown(sess)
	return nil
}

// teardown cascades invalidation: publish tasks are force-stopped, the
// bridge is detached, stream state is reset, then device resources are
// released and the backend is told to leave.
func (e *Engine) teardown(sess *session) {
	ctx := context.Background()

	sess.tasks.StopAll(ctx)

	e.mu.Lock()
	br := sess.bridge
	sess.bridge = nil
	room := sess.room
	e.mu.Unlock()
	sess.mediaMu.Lock()
	substream := sess.substream
	sess.substream = false
	sess.mediaMu.Unlock()
	if br != nil {
		e.backend.DisconnectRoom(ctx, room)
	}
	if substream {
		e.backend.ReleaseSubstream(room, sess.user)
	}

	published := sess.streams.LocalPublished()
	sess.streams.Reset()
	sess.pool.Reset()
	sess.cancel()

	// Device resources go last, after stream/task state is gone.
	for _, kind := range published {
		if !sess.customVideoEnabled(kind) {
			e.capture.StopCapture(kind)
		}
	}

	e.backend.Leave(ctx, room, sess.user)

	e.mu.Lock()
	if e.sess == sess {
		e.sess = nil
		e.state = StateIdle
	}
	e.mu.Unlock()

	log.Info().Str("module", "engine.session").Str("room", room.Key()).Msg("left room")
	e.emit(core.LeaveDone{Epoch: sess.epoch, Room: room})
}

// SwitchRole moves the user between anchor and audience. Only meaningful
// in scenes that distinguish the two. Dropping to audience marks every
// published-local stream non-publishing; rising to anchor starts nothing
// automatically.
func (e *Engine) SwitchRole(role domain.Role, credential ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateJoined {
		return ErrNotJoined
	}
	sess := e.sess
	if !sess.scene.HasRoles() {
		return ErrSceneWithoutRoles
	}
	if sess.role == role {
		return nil
	}
	sess.role = role
	if role == domain.RoleAudience {
		sess.streams.SetLocalPublishing(false)
	}
	_ = credential // forwarded to the backend once it checks permissions
	log.Info().Str("module", "engine.session").Str("role", role.String()).Msg("switched role")
	return nil
}

// SwitchRoom is the fast-path transition Joined(A) -> Joined(B). For an
// anchor, published-local streams survive without visiting idle; for
// audience it behaves like leave-then-join, so subscription state is
// dropped. The backend outcome arrives as a SwitchRoomResult event.
func (e *Engine) SwitchRoom(to domain.RoomID) error {
	if err := to.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateJoined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	sess := e.sess
	from := sess.room
	if to.Equal(from) {
		e.mu.Unlock()
		return nil
	}
	role := sess.role
	if role == domain.RoleAudience {
		sess.streams.ResetSubscriptions()
	}
	sess.room = to
	sess.tasks.SetRoom(to)
	e.mu.Unlock()

	log.Info().Str("module", "engine.session").
		Str("from", from.Key()).Str("to", to.Key()).
		Str("role", role.String()).Msg("switching room")

	ch := e.backend.SwitchRoom(sess.ctx, from, to, sess.user)
	go func() {
		var code int
		select {
		case code = <-ch:
		case <-sess.ctx.Done():
			return
		}
		if sess.closed.Load() {
			return
		}
		e.emit(core.SwitchRoomResult{Epoch: sess.epoch, From: from, To: to, Code: code})
	}()
	return nil
}

// ConnectOtherRoom attaches the cross-room bridge: the remote anchor's
// streams become visible here as if local, and vice versa. At most one
// bridge is active; a bridge to a different room must be disconnected
// first. The outcome arrives as a BridgeResult event.
func (e *Engine) ConnectOtherRoom(remote domain.RoomID, peer domain.UserID) error {
	if err := remote.Validate(); err != nil {
		return err
	}
	if err := peer.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateJoined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	sess := e.sess
	if sess.bridge != nil && !sess.bridge.room.Equal(remote) {
		e.mu.Unlock()
		return ErrBridgeActive
	}
	sess.bridge = &bridge{room: remote, peer: peer}
	local := sess.room
	e.mu.Unlock()

	ch := e.backend.ConnectRoom(sess.ctx, local, remote, peer)
	go func() {
		var code int
		select {
		case code = <-ch:
		case <-sess.ctx.Done():
			return
		}
		e.mu.Lock()
		if sess.closed.Load() {
			e.mu.Unlock()
			return
		}
		if code < 0 {
			sess.bridge = nil
		} else if sess.bridge != nil && sess.bridge.room.Equal(remote) {
			sess.bridge.connected = true
		}
		e.mu.Unlock()
		e.emit(core.BridgeResult{Epoch: sess.epoch, Remote: remote, Peer: peer, Code: code})
	}()
	return nil
}

// DisconnectOtherRoom tears the bridge down unconditionally. Calling it
// without an active bridge is a no-op.
func (e *Engine) DisconnectOtherRoom() error {
	e.mu.Lock()
	if e.state != StateJoined || e.sess.bridge == nil {
		e.mu.Unlock()
		return nil
	}
	sess := e.sess
	br := sess.bridge
	sess.bridge = nil
	local := sess.room
	e.mu.Unlock()

	e.backend.DisconnectRoom(sess.ctx, local)
	e.emit(core.BridgeClosed{Epoch: sess.epoch, Remote: br.room})
	return nil
}

// Bridge reports the active cross-room bridge, if any.
func (e *Engine) Bridge() (domain.RoomID, domain.UserID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.bridge == nil {
		return domain.RoomID{}, "", false
	}
	return e.sess.bridge.room, e.sess.bridge.peer, true
}
