package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

// MaxPublishTargets caps the destination set of one relay/transcode task.
const MaxPublishTargets = 10

// Modality is the output shape of a publish task. It is fixed at creation
// and survives any number of updates.
type Modality int

const (
	ModalityAudio Modality = iota + 1
	ModalityVideo
	ModalityBoth
)

func (m Modality) String() string {
	switch m {
	case ModalityAudio:
		return "audio"
	case ModalityVideo:
		return "video"
	case ModalityBoth:
		return "audio+video"
	default:
		return "unknown"
	}
}

// EncoderParams tunes the on-cloud encoder. Which halves are filled in
// decides the task modality.
type EncoderParams struct {
	AudioSampleRate int `json:"audio_sample_rate,omitempty"`
	AudioBitrate    int `json:"audio_bitrate,omitempty"`
	VideoWidth      int `json:"video_width,omitempty"`
	VideoHeight     int `json:"video_height,omitempty"`
	VideoFPS        int `json:"video_fps,omitempty"`
	VideoBitrate    int `json:"video_bitrate,omitempty"`
}

func (e EncoderParams) isZero() bool {
	return e == EncoderParams{}
}

func (e EncoderParams) modality() (Modality, error) {
	audio := e.AudioSampleRate > 0 || e.AudioBitrate > 0
	video := e.VideoWidth > 0 || e.VideoHeight > 0 || e.VideoBitrate > 0
	switch {
	case audio && video:
		return ModalityBoth, nil
	case audio:
		return ModalityAudio, nil
	case video:
		return ModalityVideo, nil
	default:
		return 0, ErrNoModality
	}
}

// PublishTarget is one destination: a CDN ingest URL or another room.
type PublishTarget struct {
	URL  string        `json:"url,omitempty"`
	Room domain.RoomID `json:"room,omitempty"`
	User domain.UserID `json:"user,omitempty"`
}

// key is the billing identity of the destination; two tasks must never
// share one.
func (t PublishTarget) key() string {
	if t.URL != "" {
		return "cdn:" + t.URL
	}
	return "room:" + t.Room.Key() + "/" + string(t.User)
}

func (t PublishTarget) valid() bool {
	return t.URL != "" || !t.Room.IsZero()
}

// MixRegion places one stream inside the mixed canvas.
type MixRegion struct {
	User   domain.UserID     `json:"user"`
	Kind   domain.StreamKind `json:"kind"`
	X      int               `json:"x"`
	Y      int               `json:"y"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	ZOrder int               `json:"z_order"`
}

// MixConfig is the optional on-cloud mix-transcode layout.
type MixConfig struct {
	CanvasWidth  int         `json:"canvas_width"`
	CanvasHeight int         `json:"canvas_height"`
	Regions      []MixRegion `json:"regions"`
}

// Task is one live relay/transcode job.
type Task struct {
	ID       string
	Targets  []PublishTarget
	Encoder  EncoderParams
	Mix      *MixConfig
	Modality Modality
}

// Publisher maps task ids to live PublishTasks for one session. Task ids
// are assigned by the backend and arrive asynchronously; until then the
// pending destination set still counts for duplicate detection.
type Publisher struct {
	backend core.Backend
	session string
	room    domain.RoomID

	mu      sync.Mutex
	tasks   map[string]*Task
	pending map[string]*Task // by caller ref, awaiting id assignment
}

func NewPublisher(backend core.Backend, sessionID string, room domain.RoomID) *Publisher {
	return &Publisher{
		backend: backend,
		session: sessionID,
		room:    room,
		tasks:   make(map[string]*Task),
		pending: make(map[string]*Task),
	}
}

// Start validates and submits a new task. The returned ref correlates the
// eventual TaskResult event; the task id itself is backend-assigned and
// never available synchronously.
func (p *Publisher) Start(ctx context.Context, targets []PublishTarget, enc EncoderParams, mix *MixConfig, notify func(core.Event)) (string, error) {
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	if len(targets) > MaxPublishTargets {
		return "", ErrTargetLimit
	}
	modality, err := enc.modality()
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if !t.valid() {
			return "", ErrNoTargets
		}
	}

	p.mu.Lock()
	if p.anyTargetUsedLocked(targets, "") {
		p.mu.Unlock()
		return "", ErrDuplicateTarget
	}
	ref := uuid.NewString()
	task := &Task{
		Targets:  append([]PublishTarget(nil), targets...),
		Encoder:  enc,
		Mix:      mix,
		Modality: modality,
	}
	p.pending[ref] = task
	req := p.request(task)
	p.mu.Unlock()

	ch := p.backend.StartPublish(ctx, req)
	go func() {
		var out core.PublishOutcome
		select {
		case out = <-ch:
		case <-ctx.Done():
			p.mu.Lock()
			delete(p.pending, ref)
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		delete(p.pending, ref)
		if out.Code >= 0 && out.TaskID != "" {
			task.ID = out.TaskID
			p.tasks[out.TaskID] = task
		}
		p.mu.Unlock()
		if out.Code < 0 {
			log.Warn().Str("module", "engine.publish").Str("ref", ref).Int("code", out.Code).Msg("publish task rejected")
		} else {
			log.Info().Str("module", "engine.publish").Str("ref", ref).Str("task_id", out.TaskID).Msg("publish task assigned")
		}
		notify(core.TaskResult{Ref: ref, TaskID: out.TaskID, Code: out.Code})
	}()
	return ref, nil
}

// Update retunes a live task. The new target set replaces the old one and
// must stay under the cap; the modality chosen at creation is invariant.
func (p *Publisher) Update(ctx context.Context, taskID string, targets []PublishTarget, enc EncoderParams, mix *MixConfig, notify func(core.Event)) error {
	if len(targets) > MaxPublishTargets {
		return ErrTargetLimit
	}
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownTask
	}
	if !enc.isZero() {
		m, err := enc.modality()
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if m != task.Modality {
			p.mu.Unlock()
			return ErrModalityChange
		}
		task.Encoder = enc
	}
	if len(targets) > 0 {
		if p.anyTargetUsedLocked(targets, taskID) {
			p.mu.Unlock()
			return ErrDuplicateTarget
		}
		task.Targets = append([]PublishTarget(nil), targets...)
	}
	if mix != nil {
		task.Mix = mix
	}
	req := p.request(task)
	p.mu.Unlock()

	ch := p.backend.UpdatePublish(ctx, taskID, req)
	go func() {
		select {
		case out := <-ch:
			notify(core.TaskResult{TaskID: taskID, Code: out.Code})
		case <-ctx.Done():
		}
	}()
	return nil
}

// Stop removes one task, or every task of the session when taskID is
// empty. The stop-all form is what cleanup after an abnormal restart
// relies on, so it must stay exact.
func (p *Publisher) Stop(ctx context.Context, taskID string) error {
	if taskID == "" {
		p.StopAll(ctx)
		return nil
	}
	p.mu.Lock()
	_, ok := p.tasks[taskID]
	if ok {
		delete(p.tasks, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	p.backend.StopPublish(ctx, taskID)
	return nil
}

// StopAll force-stops every live task. Session teardown calls this as a
// safety net against orphaned relay billing.
func (p *Publisher) StopAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	p.tasks = make(map[string]*Task)
	p.pending = make(map[string]*Task)
	p.mu.Unlock()
	for _, id := range ids {
		p.backend.StopPublish(ctx, id)
	}
	if len(ids) > 0 {
		log.Info().Str("module", "engine.publish").Int("stopped", len(ids)).Msg("stopped all publish tasks")
	}
}

// SetRoom follows the session across a room switch.
func (p *Publisher) SetRoom(room domain.RoomID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = room
}

// Count returns the number of live (id-assigned) tasks.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Get returns a snapshot of one live task.
func (p *Publisher) Get(taskID string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	snap := *t
	snap.Targets = append([]PublishTarget(nil), t.Targets...)
	return snap, true
}

func (p *Publisher) anyTargetUsedLocked(targets []PublishTarget, exceptTask string) bool {
	used := make(map[string]struct{})
	for id, t := range p.tasks {
		if id == exceptTask {
			continue
		}
		for _, tgt := range t.Targets {
			used[tgt.key()] = struct{}{}
		}
	}
	for _, t := range p.pending {
		for _, tgt := range t.Targets {
			used[tgt.key()] = struct{}{}
		}
	}
	for _, tgt := range targets {
		if _, ok := used[tgt.key()]; ok {
			return true
		}
	}
	return false
}

func (p *Publisher) request(t *Task) core.PublishRequest {
	urls := make([]string, 0, len(t.Targets))
	for _, tgt := range t.Targets {
		urls = append(urls, tgt.key())
	}
	return core.PublishRequest{
		Session:   p.session,
		Room:      p.room,
		TargetURL: urls,
		Modality:  t.Modality.String(),
	}
}
