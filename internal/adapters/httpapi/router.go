package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/config"
	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
	"github.com/dkeye/rtcroom/internal/engine"
)

// Controller translates the REST surface into engine calls.
type Controller struct {
	Engine *engine.Engine
	Hub    *Hub
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/events", func(c *gin.Context) {
		ctl.Hub.HandleEvents(ctx, c)
	})

	api.POST("/room/join", ctl.handleJoin)
	api.POST("/room/leave", ctl.handleLeave)
	api.POST("/room/switch_role", ctl.handleSwitchRole)
	api.POST("/room/switch_room", ctl.handleSwitchRoom)
	api.POST("/room/bridge", ctl.handleBridgeConnect)
	api.DELETE("/room/bridge", ctl.handleBridgeDisconnect)
	api.GET("/room/state", ctl.handleState)

	api.POST("/streams/subscribe", ctl.handleSubscribe)
	api.POST("/streams/unsubscribe", ctl.handleUnsubscribe)
	api.POST("/streams/mute", ctl.handleMute)

	api.POST("/media/local", ctl.handleLocalStream)
	api.POST("/media/local/mute", ctl.handleLocalMute)
	api.POST("/media/screen_share", ctl.handleScreenShare)
	api.POST("/media/small_stream", ctl.handleSmallStream)
	api.POST("/media/message", ctl.handleSendMessage)

	api.POST("/publish", ctl.handleStartPublish)
	api.PUT("/publish/:id", ctl.handleUpdatePublish)
	api.DELETE("/publish/:id", ctl.handleStopPublish)

	return r
}

type roomRef struct {
	Numeric uint32 `json:"room_numeric"`
	String  string `json:"room_string"`
}

func (r roomRef) id() domain.RoomID {
	return domain.RoomID{Numeric: r.Numeric, String: r.String}
}

func parseRole(s string) (domain.Role, error) {
	switch s {
	case "", "anchor":
		return domain.RoleAnchor, nil
	case "audience":
		return domain.RoleAudience, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func parseScene(s string) (domain.Scene, error) {
	switch s {
	case "", "video_call":
		return domain.SceneVideoCall, nil
	case "audio_call":
		return domain.SceneAudioCall, nil
	case "live":
		return domain.SceneLive, nil
	case "voice_chat_room":
		return domain.SceneVoiceChatRoom, nil
	default:
		return 0, fmt.Errorf("unknown scene %q", s)
	}
}

func parseKind(s string) (domain.StreamKind, error) {
	switch s {
	case "", "primary_video":
		return domain.StreamKindPrimaryVideo, nil
	case "sub_video":
		return domain.StreamKindSubVideo, nil
	case "lowdef_video":
		return domain.StreamKindLowDefVideo, nil
	case "audio":
		return domain.StreamKindAudio, nil
	default:
		return 0, fmt.Errorf("unknown stream kind %q", s)
	}
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (ctl *Controller) handleJoin(c *gin.Context) {
	var req struct {
		roomRef
		User       string `json:"user"`
		Role       string `json:"role"`
		Scene      string `json:"scene"`
		Credential string `json:"credential"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	scene, err := parseScene(req.Scene)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	err = ctl.Engine.Join(engine.JoinParams{
		Room:       req.id(),
		User:       domain.UserID(req.User),
		Role:       role,
		Scene:      scene,
		Credential: req.Credential,
	})
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ctl.Engine.State().String()})
}

func (ctl *Controller) handleLeave(c *gin.Context) {
	if err := ctl.Engine.Leave(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ctl.Engine.State().String()})
}

func (ctl *Controller) handleSwitchRole(c *gin.Context) {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.SwitchRole(role); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role.String()})
}

func (ctl *Controller) handleSwitchRoom(c *gin.Context) {
	var req roomRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.SwitchRoom(req.id()); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ctl.Engine.State().String()})
}

func (ctl *Controller) handleBridgeConnect(c *gin.Context) {
	var req struct {
		roomRef
		Peer string `json:"peer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.ConnectOtherRoom(req.id(), domain.UserID(req.Peer)); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (ctl *Controller) handleBridgeDisconnect(c *gin.Context) {
	if err := ctl.Engine.DisconnectOtherRoom(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleState(c *gin.Context) {
	resp := gin.H{"state": ctl.Engine.State().String()}
	if role, ok := ctl.Engine.Role(); ok {
		resp["role"] = role.String()
	}
	if room, peer, ok := ctl.Engine.Bridge(); ok {
		resp["bridge_room"] = room.Key()
		resp["bridge_peer"] = string(peer)
	}
	c.JSON(http.StatusOK, resp)
}

func (ctl *Controller) handleSubscribe(c *gin.Context) {
	var req struct {
		User string `json:"user"`
		Kind string `json:"kind"`
		View string `json:"view"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.Subscribe(domain.UserID(req.User), kind, core.ViewID(req.View)); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleUnsubscribe(c *gin.Context) {
	var req struct {
		User string `json:"user"`
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.Unsubscribe(domain.UserID(req.User), kind); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleMute(c *gin.Context) {
	var req struct {
		User string `json:"user"` // empty addresses every remote user
		Kind string `json:"kind"`
		Mute bool   `json:"mute"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	switch {
	case req.User == "" && kind == domain.StreamKindAudio:
		err = ctl.Engine.MuteAllRemoteAudio(req.Mute)
	case req.User == "":
		err = ctl.Engine.MuteAllRemoteVideo(req.Mute)
	case kind == domain.StreamKindAudio:
		err = ctl.Engine.MuteRemoteAudio(domain.UserID(req.User), req.Mute)
	default:
		err = ctl.Engine.MuteRemoteVideo(domain.UserID(req.User), kind, req.Mute)
	}
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleLocalStream(c *gin.Context) {
	var req struct {
		Kind string `json:"kind"`
		On   bool   `json:"on"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	switch {
	case kind == domain.StreamKindAudio && req.On:
		err = ctl.Engine.StartLocalAudio()
	case kind == domain.StreamKindAudio:
		err = ctl.Engine.StopLocalAudio()
	case req.On:
		err = ctl.Engine.StartLocalVideo(kind)
	default:
		err = ctl.Engine.StopLocalVideo(kind)
	}
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleLocalMute(c *gin.Context) {
	var req struct {
		Kind string `json:"kind"`
		Mute bool   `json:"mute"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if kind == domain.StreamKindAudio {
		err = ctl.Engine.MuteLocalAudio(req.Mute)
	} else {
		err = ctl.Engine.MuteLocalVideo(kind, req.Mute)
	}
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (ctl *Controller) handleScreenShare(c *gin.Context) {
	var req struct {
		On bool `json:"on"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var err error
	if req.On {
		err = ctl.Engine.StartScreenShare()
	} else {
		err = ctl.Engine.StopScreenShare()
	}
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (ctl *Controller) handleSmallStream(c *gin.Context) {
	var req struct {
		Enable bool `json:"enable"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.EnableSmallVideoStream(req.Enable); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"small_stream": ctl.Engine.SmallVideoStreamEnabled()})
}

func (ctl *Controller) handleSendMessage(c *gin.Context) {
	var req struct {
		CmdID           int    `json:"cmd_id"`
		Payload         string `json:"payload"`
		ReliableOrdered bool   `json:"reliable_ordered"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.SendMessage(req.CmdID, []byte(req.Payload), req.ReliableOrdered); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type publishBody struct {
	Targets []struct {
		URL string `json:"url"`
		roomRef
		User string `json:"user"`
	} `json:"targets"`
	Encoder engine.EncoderParams `json:"encoder"`
	Mix     *engine.MixConfig    `json:"mix"`
}

func (b publishBody) targets() []engine.PublishTarget {
	out := make([]engine.PublishTarget, 0, len(b.Targets))
	for _, t := range b.Targets {
		out = append(out, engine.PublishTarget{
			URL:  t.URL,
			Room: t.id(),
			User: domain.UserID(t.User),
		})
	}
	return out
}

func (ctl *Controller) handleStartPublish(c *gin.Context) {
	var req publishBody
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ref, err := ctl.Engine.StartPublish(req.targets(), req.Encoder, req.Mix)
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	// The task id follows asynchronously in a task_result event under ref.
	c.JSON(http.StatusAccepted, gin.H{"ref": ref})
}

func (ctl *Controller) handleUpdatePublish(c *gin.Context) {
	var req publishBody
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := ctl.Engine.UpdatePublish(c.Param("id"), req.targets(), req.Encoder, req.Mix); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{})
}

func (ctl *Controller) handleStopPublish(c *gin.Context) {
	id := c.Param("id")
	if id == "all" {
		id = ""
	}
	if err := ctl.Engine.StopPublish(id); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
