package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRoomIDEmpty     = errors.New("room id empty: neither numeric nor string form set")
	ErrRoomIDAmbiguous = errors.New("room id ambiguous: numeric and string forms are mutually exclusive")
)

// RoomID identifies a room in exactly one of two representations.
// The backend keeps numeric and string rooms in separate namespaces,
// so a valid RoomID has exactly one side set.
type RoomID struct {
	Numeric uint32 `json:"room_id,omitempty"`
	String  string `json:"str_room_id,omitempty"`
}

func NumericRoom(id uint32) RoomID { return RoomID{Numeric: id} }
func StringRoom(id string) RoomID  { return RoomID{String: id} }

func (r RoomID) Validate() error {
	switch {
	case r.Numeric == 0 && r.String == "":
		return ErrRoomIDEmpty
	case r.Numeric != 0 && r.String != "":
		return ErrRoomIDAmbiguous
	}
	return nil
}

func (r RoomID) IsZero() bool {
	return r.Numeric == 0 && r.String == ""
}

// Key returns a stable representation usable as a map key and in logs.
func (r RoomID) Key() string {
	if r.String != "" {
		return "s:" + r.String
	}
	return fmt.Sprintf("n:%d", r.Numeric)
}

func (r RoomID) Equal(o RoomID) bool {
	return r.Numeric == o.Numeric && r.String == o.String
}
