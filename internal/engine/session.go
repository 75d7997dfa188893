package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
	"github.com/dkeye/rtcroom/internal/media"
)

// State of the session lifecycle. Transitions are serialized by Engine.mu.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// bridge is the at-most-one cross-room link of a session.
type bridge struct {
	room      domain.RoomID
	peer      domain.UserID
	connected bool
}

// session carries all per-room state. It is created by Join and owned by
// the Engine; everything here is invalidated en masse by Leave.
type session struct {
	id    string
	epoch uint64
	user  domain.UserID
	scene domain.Scene

	ctx    context.Context
	cancel context.CancelFunc

	// closed is the teardown fence: once set, stream and task operations
	// against this session fail fast.
	closed atomic.Bool

	// room, role and bridge are guarded by Engine.mu.
	room   domain.RoomID
	role   domain.Role
	bridge *bridge

	streams *Registry
	tasks   *Publisher
	pool    *media.Pool

	joinedAt time.Time

	// custom capture toggles and per-kind delivery order locks.
	mediaMu     sync.Mutex
	customVideo map[domain.StreamKind]bool
	customAudio bool
	smallStream bool
	substream   bool // this user holds the room's screen-share slot

	videoOrder map[domain.StreamKind]*sync.Mutex
	audioOrder sync.Mutex
}

func newSession(epoch uint64, p JoinParams, deps sessionDeps) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		epoch:       epoch,
		user:        p.User,
		scene:       p.Scene,
		room:        p.Room,
		role:        p.Role,
		ctx:         ctx,
		cancel:      cancel,
		customVideo: make(map[domain.StreamKind]bool),
		videoOrder: map[domain.StreamKind]*sync.Mutex{
			domain.StreamKindPrimaryVideo: {},
			domain.StreamKindSubVideo:     {},
		},
		pool: media.NewPool(deps.poolLowWaterMS),
	}
	s.streams = NewRegistry(RegistryDeps{
		Renderer:  deps.renderer,
		Notify:    deps.notify,
		EmitLocal: deps.emitLocal,
		AutoAudio: deps.autoAudio,
		AutoVideo: deps.autoVideo,
		MinFPS:    deps.minPlaceholderFPS,
		MaxFPS:    deps.maxPlaceholderFPS,
		Ctx:       ctx,
	})
	s.tasks = NewPublisher(deps.backend, s.id, p.Room)
	return s
}

// sessionDeps is what newSession borrows from the engine.
type sessionDeps struct {
	backend           core.Backend
	renderer          core.Renderer
	notify            func(core.Event)
	emitLocal         func(kind domain.StreamKind, f *core.VideoFrame)
	autoAudio         bool
	autoVideo         bool
	poolLowWaterMS    int
	minPlaceholderFPS int
	maxPlaceholderFPS int
}

func (s *session) customVideoEnabled(kind domain.StreamKind) bool {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	return s.customVideo[kind]
}

func (s *session) setCustomVideo(kind domain.StreamKind, enabled bool) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	s.customVideo[kind] = enabled
}

func (s *session) customAudioEnabled() bool {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	return s.customAudio
}

func (s *session) setCustomAudio(enabled bool) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	s.customAudio = enabled
}
