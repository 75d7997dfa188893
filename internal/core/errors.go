package core

// Negative codes reported on the asynchronous event channel. Local
// precondition failures never use these; they surface as sentinel errors
// from the call itself.
const (
	CodeJoinFailed        = -3301 // backend rejected room entry
	CodeJoinTimeout       = -3308 // no answer from the backend in time
	CodeSwitchRoomFailed  = -3401
	CodeBridgeFailed      = -3071 // cross-room connect rejected
	CodePublishFailed     = -3510 // relay/transcode task rejected
	CodeSubstreamOccupied = -102069 // another user already pushes the room substream
)
