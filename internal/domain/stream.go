package domain

// StreamKind distinguishes the media flows a single user can carry.
type StreamKind int

const (
	StreamKindPrimaryVideo StreamKind = iota // main camera image
	StreamKindSubVideo                       // screen share / secondary image
	StreamKindLowDefVideo                    // reduced-bitrate variant of the primary image
	StreamKindAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindPrimaryVideo:
		return "primary_video"
	case StreamKindSubVideo:
		return "sub_video"
	case StreamKindLowDefVideo:
		return "lowdef_video"
	case StreamKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

func (k StreamKind) IsVideo() bool {
	return k == StreamKindPrimaryVideo || k == StreamKindSubVideo || k == StreamKindLowDefVideo
}

// Role controls publish permission in broadcast-style scenes.
type Role int

const (
	RoleAnchor Role = iota
	RoleAudience
)

func (r Role) String() string {
	switch r {
	case RoleAnchor:
		return "anchor"
	case RoleAudience:
		return "audience"
	default:
		return "unknown"
	}
}

// Scene selects the tuning profile for a room. Role switching is only
// meaningful in the broadcast scenes (Live, VoiceChatRoom).
type Scene int

const (
	SceneVideoCall Scene = iota
	SceneAudioCall
	SceneLive
	SceneVoiceChatRoom
)

func (s Scene) String() string {
	switch s {
	case SceneVideoCall:
		return "video_call"
	case SceneAudioCall:
		return "audio_call"
	case SceneLive:
		return "live"
	case SceneVoiceChatRoom:
		return "voice_chat_room"
	default:
		return "unknown"
	}
}

// HasRoles reports whether the scene distinguishes anchor/audience.
func (s Scene) HasRoles() bool {
	return s == SceneLive || s == SceneVoiceChatRoom
}
