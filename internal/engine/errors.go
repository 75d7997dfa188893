package engine

import "errors"

// Local precondition failures. These are returned synchronously and are
// never escalated to the event channel.
var (
	ErrAlreadyJoined         = errors.New("engine has already joined a room; leave it first")
	ErrNotJoined             = errors.New("no active room session")
	ErrSessionClosed         = errors.New("room session is tearing down")
	ErrNotIdle               = errors.New("only accepted before room entry")
	ErrSceneWithoutRoles     = errors.New("scene does not distinguish anchor and audience")
	ErrBridgeActive          = errors.New("another cross-room bridge is active; disconnect it first")
	ErrAudienceCannotPublish = errors.New("audience role cannot publish; switch to anchor first")
	ErrAlreadyPublished      = errors.New("a local stream of this kind is already published")
	ErrNotPublished          = errors.New("no local stream of this kind is published")
	ErrNotVideoKind          = errors.New("operation applies to video stream kinds only")
	ErrCustomCaptureDisabled = errors.New("custom capture is not enabled for this stream kind")

	ErrUnknownTask     = errors.New("unknown publish task id")
	ErrNoTargets       = errors.New("publish task needs at least one target")
	ErrTargetLimit     = errors.New("publish task exceeds the target cap")
	ErrDuplicateTarget = errors.New("target already used by another publish task of this session")
	ErrModalityChange  = errors.New("publish task output modality is fixed at creation")
	ErrNoModality      = errors.New("encoder params select neither audio nor video output")
)
