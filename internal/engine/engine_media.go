package engine

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
	"github.com/dkeye/rtcroom/internal/media"
)

// StartLocalVideo publishes the local video stream of the given kind,
// starting device capture unless custom capture is enabled for it.
func (e *Engine) StartLocalVideo(kind domain.StreamKind) error {
	if !kind.IsVideo() {
		return ErrNotVideoKind
	}
	return e.startLocal(kind)
}

// StartLocalAudio publishes the local audio stream.
func (e *Engine) StartLocalAudio() error {
	return e.startLocal(domain.StreamKindAudio)
}

func (e *Engine) startLocal(kind domain.StreamKind) error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNotJoined
	}
	sess := e.sess
	if sess.closed.Load() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if sess.scene.HasRoles() && sess.role == domain.RoleAudience {
		e.mu.Unlock()
		return ErrAudienceCannotPublish
	}
	e.mu.Unlock()

	if err := sess.streams.PublishLocal(kind); err != nil {
		return err
	}
	custom := kind == domain.StreamKindAudio && sess.customAudioEnabled() ||
		kind.IsVideo() && sess.customVideoEnabled(kind)
	if !custom {
		if err := e.capture.StartCapture(kind); err != nil {
			_ = sess.streams.StopLocal(kind)
			return err
		}
	}
	return nil
}

// StopLocalVideo stops publishing a local video stream and releases its
// capture device.
func (e *Engine) StopLocalVideo(kind domain.StreamKind) error {
	if !kind.IsVideo() {
		return ErrNotVideoKind
	}
	return e.stopLocal(kind)
}

func (e *Engine) StopLocalAudio() error {
	return e.stopLocal(domain.StreamKindAudio)
}

func (e *Engine) stopLocal(kind domain.StreamKind) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	if err := sess.streams.StopLocal(kind); err != nil {
		return err
	}
	e.capture.StopCapture(kind)
	return nil
}

// StartScreenShare publishes the screen as the room's substream. Only one
// user per room may hold the substream slot; losing the race is reported
// asynchronously with CodeSubstreamOccupied, not as a call error.
func (e *Engine) StartScreenShare() error {
	if err := e.startLocal(domain.StreamKindSubVideo); err != nil {
		return err
	}
	sess, err := e.current()
	if err != nil {
		return err
	}
	if !e.backend.ClaimSubstream(sess.room, sess.user) {
		_ = sess.streams.StopLocal(domain.StreamKindSubVideo)
		e.capture.StopCapture(domain.StreamKindSubVideo)
		e.emit(core.EngineError{
			Code: core.CodeSubstreamOccupied,
			Msg:  "another user already pushes the room substream",
		})
		return nil
	}
	sess.mediaMu.Lock()
	sess.substream = true
	sess.mediaMu.Unlock()
	return nil
}

// StopScreenShare releases the substream slot and stops the stream.
func (e *Engine) StopScreenShare() error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.mediaMu.Lock()
	held := sess.substream
	sess.substream = false
	sess.mediaMu.Unlock()
	if held {
		e.backend.ReleaseSubstream(sess.room, sess.user)
	}
	return e.stopLocal(domain.StreamKindSubVideo)
}

// EnableCustomVideoCapture switches a video kind between device capture
// and caller-injected frames. The two sources are mutually exclusive per
// kind.
func (e *Engine) EnableCustomVideoCapture(kind domain.StreamKind, enable bool) error {
	if !kind.IsVideo() {
		return ErrNotVideoKind
	}
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.setCustomVideo(kind, enable)
	if enable {
		e.capture.StopCapture(kind)
	}
	log.Info().Str("module", "engine.media").
		Str("kind", kind.String()).Bool("enable", enable).
		Msg("custom video capture toggled")
	return nil
}

// EnableCustomAudioCapture switches audio between the microphone and
// caller-injected frames.
func (e *Engine) EnableCustomAudioCapture(enable bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.setCustomAudio(enable)
	if enable {
		e.capture.StopCapture(domain.StreamKindAudio)
	}
	return nil
}

// SendCustomVideoFrame injects one caller-captured video frame. The frame
// timestamp must come from GeneratePTS at capture time. Delivery order
// within a kind is preserved; audio and video may be delivered
// concurrently.
func (e *Engine) SendCustomVideoFrame(kind domain.StreamKind, frame *core.VideoFrame) error {
	if !kind.IsVideo() {
		return ErrNotVideoKind
	}
	sess, err := e.current()
	if err != nil {
		return err
	}
	if !sess.customVideoEnabled(kind) {
		return ErrCustomCaptureDisabled
	}
	order := sess.videoOrder[slotOf(kind)]
	order.Lock()
	defer order.Unlock()
	if sess.closed.Load() {
		return ErrSessionClosed
	}
	if sess.streams.LocalMuted(kind) {
		// The placeholder loop speaks for this stream while muted.
		return nil
	}
	if e.transport != nil {
		if err := e.transport.WriteVideo(kind, frame); err != nil {
			return err
		}
	}
	// Local preview bypass, when the app registered one.
	sess.streams.RenderLocal(kind, frame)
	return nil
}

// SendCustomAudioFrame injects one caller-captured PCM frame.
func (e *Engine) SendCustomAudioFrame(frame *core.AudioFrame) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	if !sess.customAudioEnabled() {
		return ErrCustomCaptureDisabled
	}
	sess.audioOrder.Lock()
	defer sess.audioOrder.Unlock()
	if sess.closed.Load() {
		return ErrSessionClosed
	}
	if sess.streams.LocalMuted(domain.StreamKindAudio) {
		return nil
	}
	if e.transport != nil {
		return e.transport.WriteAudio(frame)
	}
	return nil
}

// EnableMixExternalAudio opens the external audio track for mixed
// publish and/or playout. Both false closes it.
func (e *Engine) EnableMixExternalAudio(publish, playout bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.pool.Enable(publish, playout)
	return nil
}

// MixExternalAudioFrame feeds one PCM frame into the buffer pool and
// returns the buffered duration in ms, or a negative precondition code.
// Keep the return above the pool's low-water mark by feeding more data.
func (e *Engine) MixExternalAudioFrame(frame *core.AudioFrame) int {
	sess, err := e.current()
	if err != nil {
		return media.FeedErrDisabled
	}
	return sess.pool.Feed(frame.DurationMS(), frame.ValidFormat())
}

// SetMixExternalAudioVolume tunes publish/playout volume of the mixed
// track; -1 keeps the current value.
func (e *Engine) SetMixExternalAudioVolume(publish, playout int) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.pool.SetVolumes(publish, playout)
	return nil
}

// ExternalAudioBufferedMS reports the pool readout without feeding.
func (e *Engine) ExternalAudioBufferedMS() int {
	sess, err := e.current()
	if err != nil {
		return 0
	}
	return sess.pool.BufferedMS()
}

// EnableSmallVideoStream toggles encoding of the low-definition variant
// alongside local primary video, which is what lets peers subscribe to
// our LowDefVideo. The backend relays the capability to peers, who see
// it when their low-def subscriptions resolve.
func (e *Engine) EnableSmallVideoStream(enable bool) error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNotJoined
	}
	sess := e.sess
	if sess.closed.Load() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	room := sess.room
	e.mu.Unlock()

	sess.mediaMu.Lock()
	sess.smallStream = enable
	sess.mediaMu.Unlock()
	e.backend.SetDualStream(room, sess.user, enable)
	log.Info().Str("module", "engine.media").Bool("enable", enable).Msg("small video stream toggled")
	return nil
}

// SmallVideoStreamEnabled reports the dual-stream encoding toggle.
func (e *Engine) SmallVideoStreamEnabled() bool {
	sess, err := e.current()
	if err != nil {
		return false
	}
	sess.mediaMu.Lock()
	defer sess.mediaMu.Unlock()
	return sess.smallStream
}

// SetRenderCallback installs a custom render sink for one stream,
// bypassing the renderer collaborator. An empty user addresses local
// preview; nil fn removes the callback.
func (e *Engine) SetRenderCallback(user domain.UserID, kind domain.StreamKind, fn func(*core.VideoFrame)) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.SetRenderCallback(user, kind, fn)
	return nil
}

// SendMessage sends an in-room command message. Reliable and ordered
// delivery cannot diverge on the wire, so a single flag selects both.
func (e *Engine) SendMessage(cmdID int, payload []byte, reliableOrdered bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	return e.backend.SendMessage(sess.ctx, sess.room, cmdID, payload, reliableOrdered)
}
