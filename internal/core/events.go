package core

import "github.com/dkeye/rtcroom/internal/domain"

// Event is the variant type for everything the engine reports
// asynchronously. Each outcome is delivered at most once and carries
// enough identity (epoch, task ref) for the caller to correlate it
// with the originating call.
type Event interface {
	event()
}

// JoinResult reports the outcome of Join. Elapsed is the join latency in
// milliseconds when non-negative, or an error code when negative.
type JoinResult struct {
	Epoch   uint64
	Room    domain.RoomID
	Elapsed int64
}

// LeaveDone confirms that teardown finished and device resources were
// released.
type LeaveDone struct {
	Epoch uint64
	Room  domain.RoomID
}

// SwitchRoomResult reports the outcome of the fast-path room switch.
type SwitchRoomResult struct {
	Epoch uint64
	From  domain.RoomID
	To    domain.RoomID
	Code  int
}

// BridgeResult reports the outcome of ConnectOtherRoom.
type BridgeResult struct {
	Epoch  uint64
	Remote domain.RoomID
	Peer   domain.UserID
	Code   int
}

// BridgeClosed confirms DisconnectOtherRoom.
type BridgeClosed struct {
	Epoch  uint64
	Remote domain.RoomID
}

// TaskResult carries the backend-assigned publish task id. Ref is the
// caller-side reference returned by StartPublish, so concurrent starts
// stay distinguishable. On failure TaskID is empty and Code is negative.
type TaskResult struct {
	Ref    string
	TaskID string
	Code   int
}

// RemoteStreamChange announces that a remote user started or stopped a
// stream kind.
type RemoteStreamChange struct {
	User      domain.UserID
	Kind      domain.StreamKind
	Available bool
}

// EngineError is an asynchronous failure not tied to a single pending
// call, e.g. the substream slot conflict.
type EngineError struct {
	Code int
	Msg  string
}

func (JoinResult) event()         {}
func (LeaveDone) event()          {}
func (SwitchRoomResult) event()   {}
func (BridgeResult) event()       {}
func (BridgeClosed) event()       {}
func (TaskResult) event()         {}
func (RemoteStreamChange) event() {}
func (EngineError) event()        {}

// EventSink receives engine events. Implementations must not block for
// long; the engine delivers from its own goroutines.
type EventSink interface {
	Deliver(Event)
}

// EventChan is a channel-backed sink. Full channels drop, never block.
type EventChan chan Event

func (c EventChan) Deliver(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }
