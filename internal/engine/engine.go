// Package engine implements the session and stream-lifecycle core of the
// RTC client: the room state machine, the stream registry, the publish
// task orchestrator and the custom-capture timing path.
package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
	"github.com/dkeye/rtcroom/internal/media"
)

const defaultJoinTimeout = 10 * time.Second

// Deps wires the engine to its collaborators. Backend and Sink are
// required; the rest defaults to no-ops.
type Deps struct {
	Backend   core.Backend
	Sink      core.EventSink
	Renderer  core.Renderer
	Capture   core.DeviceCapture
	Transport core.MediaTransport

	JoinTimeout       time.Duration
	PoolLowWaterMS    int
	MinPlaceholderFPS int
	MaxPlaceholderFPS int
}

// Engine owns at most one RoomSession at a time. All session lifecycle
// transitions serialize on mu; stream and task operations run beside them
// and are fenced by the session's closed flag.
type Engine struct {
	backend   core.Backend
	sink      core.EventSink
	renderer  core.Renderer
	capture   core.DeviceCapture
	transport core.MediaTransport

	joinTimeout       time.Duration
	poolLowWaterMS    int
	minPlaceholderFPS int
	maxPlaceholderFPS int

	pts *media.Synchronizer

	mu    sync.Mutex
	state State
	sess  *session
	epoch uint64

	autoRecvAudio bool
	autoRecvVideo bool
}

func New(d Deps) *Engine {
	if d.Renderer == nil {
		d.Renderer = nopRenderer{}
	}
	if d.Capture == nil {
		d.Capture = nopCapture{}
	}
	if d.JoinTimeout <= 0 {
		d.JoinTimeout = defaultJoinTimeout
	}
	return &Engine{
		backend:           d.Backend,
		sink:              d.Sink,
		renderer:          d.Renderer,
		capture:           d.Capture,
		transport:         d.Transport,
		joinTimeout:       d.JoinTimeout,
		poolLowWaterMS:    d.PoolLowWaterMS,
		minPlaceholderFPS: d.MinPlaceholderFPS,
		maxPlaceholderFPS: d.MaxPlaceholderFPS,
		pts:               media.NewSynchronizer(),
		autoRecvAudio:     true,
		autoRecvVideo:     true,
	}
}

// State returns the lifecycle state, for introspection and tests.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Role returns the current role, valid while joined.
func (e *Engine) Role() (domain.Role, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0, false
	}
	return e.sess.role, true
}

// current returns the live session or a fail-fast error: ErrNotJoined
// when no session exists, ErrSessionClosed once teardown began.
func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, ErrNotJoined
	}
	if e.sess.closed.Load() {
		return nil, ErrSessionClosed
	}
	return e.sess, nil
}

func (e *Engine) emit(ev core.Event) {
	if e.sink != nil {
		e.sink.Deliver(ev)
	}
}

// notify is handed to per-session components that report events.
func (e *Engine) notify(ev core.Event) { e.emit(ev) }

// emitLocalFrame is the placeholder/custom-frame output path: published
// local video goes to the media transport when one is attached.
func (e *Engine) emitLocalFrame(kind domain.StreamKind, f *core.VideoFrame) {
	if e.transport == nil {
		return
	}
	if err := e.transport.WriteVideo(kind, f); err != nil {
		log.Debug().Err(err).Str("module", "engine").Str("kind", kind.String()).Msg("transport write failed")
	}
}

// GeneratePTS returns a monotonic capture timestamp in ms. Call it once
// per captured frame at capture time and thread the value through to the
// delivery call; preprocessing delay in between does not hurt sync.
func (e *Engine) GeneratePTS() uint64 {
	return e.pts.GeneratePTS()
}

// --- Stream Registry operations (fenced by the live session) ---

// Subscribe starts receiving (user, kind), binding it to view. Unknown
// remote streams are accepted optimistically.
func (e *Engine) Subscribe(user domain.UserID, kind domain.StreamKind, view core.ViewID) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	return sess.streams.Subscribe(user, kind, view)
}

// Unsubscribe stops receiving and releases the render binding.
func (e *Engine) Unsubscribe(user domain.UserID, kind domain.StreamKind) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.Unsubscribe(user, kind)
	return nil
}

func (e *Engine) MuteRemoteAudio(user domain.UserID, mute bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.MuteRemoteAudio(user, mute)
	return nil
}

func (e *Engine) MuteRemoteVideo(user domain.UserID, kind domain.StreamKind, mute bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.MuteRemoteVideo(user, kind, mute)
	return nil
}

func (e *Engine) MuteAllRemoteAudio(mute bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.MuteAllRemoteAudio(mute)
	return nil
}

func (e *Engine) MuteAllRemoteVideo(mute bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.MuteAllRemoteVideo(mute)
	return nil
}

// MuteLocalVideo mutes a published local video stream. With a mute image
// set, the registry keeps emitting the placeholder at its fixed rate.
func (e *Engine) MuteLocalVideo(kind domain.StreamKind, mute bool) error {
	if !kind.IsVideo() {
		return ErrNotVideoKind
	}
	sess, err := e.current()
	if err != nil {
		return err
	}
	return sess.streams.MuteLocal(kind, mute)
}

func (e *Engine) MuteLocalAudio(mute bool) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	return sess.streams.MuteLocal(domain.StreamKindAudio, mute)
}

// SetVideoMuteImage installs the placeholder shown while local primary
// video is muted. fps is clamped to the configured low range.
func (e *Engine) SetVideoMuteImage(frame *core.VideoFrame, fps int) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	sess.streams.SetMuteImage(frame, fps)
	return nil
}

// Streams exposes the live session's registry, mainly for inspection.
func (e *Engine) Streams() (*Registry, error) {
	sess, err := e.current()
	if err != nil {
		return nil, err
	}
	return sess.streams, nil
}

// --- Publish Task operations (fenced by the live session) ---

// StartPublish submits a new relay/transcode task. The returned ref
// correlates the asynchronous TaskResult carrying the backend-assigned
// task id.
func (e *Engine) StartPublish(targets []PublishTarget, enc EncoderParams, mix *MixConfig) (string, error) {
	sess, err := e.current()
	if err != nil {
		return "", err
	}
	return sess.tasks.Start(sess.ctx, targets, enc, mix, e.notify)
}

// UpdatePublish retunes a live task; the output modality fixed at
// creation cannot change.
func (e *Engine) UpdatePublish(taskID string, targets []PublishTarget, enc EncoderParams, mix *MixConfig) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	return sess.tasks.Update(sess.ctx, taskID, targets, enc, mix, e.notify)
}

// StopPublish stops one task; an empty id stops all tasks of the session.
func (e *Engine) StopPublish(taskID string) error {
	sess, err := e.current()
	if err != nil {
		return err
	}
	return sess.tasks.Stop(sess.ctx, taskID)
}

// Tasks exposes the live session's publisher, mainly for inspection.
func (e *Engine) Tasks() (*Publisher, error) {
	sess, err := e.current()
	if err != nil {
		return nil, err
	}
	return sess.tasks, nil
}

// --- default no-op collaborators ---

type nopRenderer struct{}

func (nopRenderer) Attach(domain.UserID, domain.StreamKind, core.ViewID)      {}
func (nopRenderer) Detach(domain.UserID, domain.StreamKind)                   {}
func (nopRenderer) Render(domain.UserID, domain.StreamKind, *core.VideoFrame) {}

type nopCapture struct{}

func (nopCapture) StartCapture(domain.StreamKind) error { return nil }
func (nopCapture) StopCapture(domain.StreamKind)        {}
