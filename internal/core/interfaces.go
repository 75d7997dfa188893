package core

import (
	"context"

	"github.com/dkeye/rtcroom/internal/domain"
)

// JoinRequest is everything the backend needs to admit a user.
type JoinRequest struct {
	Room          domain.RoomID
	User          domain.UserID
	Role          domain.Role
	Scene         domain.Scene
	Credential    string
	AutoRecvAudio bool
	AutoRecvVideo bool
}

// JoinOutcome mirrors the wire contract: Elapsed >= 0 is the join latency
// in ms, Elapsed < 0 is an error code.
type JoinOutcome struct {
	Elapsed int64
}

// PublishRequest describes one relay/transcode task towards the backend.
type PublishRequest struct {
	Session   string
	Room      domain.RoomID
	TargetURL []string
	Modality  string
}

// PublishOutcome carries the backend-assigned task id, or a negative code.
type PublishOutcome struct {
	TaskID string
	Code   int
}

// RemoteStreamUpdate is the backend's announcement of a remote stream
// appearing or disappearing. DualStream reports whether the owner encodes
// a low-definition variant alongside the primary image.
type RemoteStreamUpdate struct {
	User       domain.UserID
	Kind       domain.StreamKind
	Available  bool
	DualStream bool
}

// Backend is the network/transport collaborator. Methods returning a
// channel deliver exactly one outcome; the engine correlates it with the
// originating call and is free to abandon the channel after leave.
// Backend never retries; retry policy belongs to layers above the engine.
type Backend interface {
	Join(ctx context.Context, req JoinRequest) <-chan JoinOutcome
	Leave(ctx context.Context, room domain.RoomID, user domain.UserID)
	SwitchRoom(ctx context.Context, from, to domain.RoomID, user domain.UserID) <-chan int
	ConnectRoom(ctx context.Context, local, remote domain.RoomID, peer domain.UserID) <-chan int
	DisconnectRoom(ctx context.Context, local domain.RoomID)

	StartPublish(ctx context.Context, req PublishRequest) <-chan PublishOutcome
	UpdatePublish(ctx context.Context, taskID string, req PublishRequest) <-chan PublishOutcome
	StopPublish(ctx context.Context, taskID string)

	// SetDualStream advertises whether this user encodes the
	// low-definition variant alongside primary video. Peers observe it
	// as RemoteStreamUpdate.DualStream.
	SetDualStream(room domain.RoomID, user domain.UserID, enabled bool)

	// ClaimSubstream reserves the room's single screen-share slot.
	// A false return surfaces to the app asynchronously with
	// CodeSubstreamOccupied, not as a call error.
	ClaimSubstream(room domain.RoomID, user domain.UserID) bool
	ReleaseSubstream(room domain.RoomID, user domain.UserID)

	// SendMessage sends an in-room command message. reliableOrdered
	// selects reliable and ordered delivery together; the two cannot
	// diverge.
	SendMessage(ctx context.Context, room domain.RoomID, cmdID int, payload []byte, reliableOrdered bool) error

	// OnRemoteStream registers the availability feed. At most one
	// observer; the engine sets it once per session.
	OnRemoteStream(fn func(RemoteStreamUpdate))
}

// ViewID names a render target owned by the app layer.
type ViewID string

// Renderer is the display collaborator. The engine bypasses it for
// streams that have a custom render callback installed.
type Renderer interface {
	Attach(user domain.UserID, kind domain.StreamKind, view ViewID)
	Detach(user domain.UserID, kind domain.StreamKind)
	Render(user domain.UserID, kind domain.StreamKind, frame *VideoFrame)
}

// DeviceCapture is the camera/microphone collaborator. Custom capture and
// device capture are mutually exclusive per stream kind.
type DeviceCapture interface {
	StartCapture(kind domain.StreamKind) error
	StopCapture(kind domain.StreamKind)
}

// MediaTransport receives locally produced payloads for delivery. The
// engine writes published custom frames and placeholder images here.
type MediaTransport interface {
	Start(ctx context.Context) error
	WriteVideo(kind domain.StreamKind, frame *VideoFrame) error
	WriteAudio(frame *AudioFrame) error
	Close()
}
