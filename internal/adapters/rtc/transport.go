// Package rtc delivers locally produced media over a pion PeerConnection.
package rtc

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcroom/internal/core"
	"github.com/dkeye/rtcroom/internal/domain"
)

const (
	videoClockRate = 90000
	maxPayloadSize = 1200
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// videoTrack packetizes raw frames onto one outgoing RTP track. Sequence
// numbers are per track; the frame timestamp (ms) maps onto the 90kHz
// RTP clock.
type videoTrack struct {
	track *webrtc.TrackLocalStaticRTP
	seq   uint16
	ssrc  uint32
}

// Transport implements core.MediaTransport: published custom frames and
// placeholder images go out as RTP, audio goes out as timed samples.
type Transport struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu    sync.Mutex
	video map[domain.StreamKind]*videoTrack
	audio *webrtc.TrackLocalStaticSample
}

func NewTransport(cfg webrtc.Configuration) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		pc:    pc,
		video: make(map[domain.StreamKind]*videoTrack),
	}

	for _, kind := range []domain.StreamKind{domain.StreamKindPrimaryVideo, domain.StreamKindSubVideo} {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
			kind.String(), "rtcroom",
		)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, err
		}
		t.video[kind] = &videoTrack{track: track, ssrc: rand.Uint32()}
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		domain.StreamKindAudio.String(), "rtcroom",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(audio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	t.audio = audio
	return t, nil
}

func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc.transport").Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc.transport").Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return nil
}

// ApplyOfferAndCreateAnswer runs the answering side of the SDP exchange.
func (t *Transport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return t.pc.LocalDescription(), nil
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

// WriteVideo splits one frame into RTP packets sharing a timestamp, the
// marker bit set on the last.
func (t *Transport) WriteVideo(kind domain.StreamKind, frame *core.VideoFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	vt, ok := t.video[kind]
	if !ok {
		vt = t.video[domain.StreamKindPrimaryVideo]
	}

	ts := uint32(frame.Timestamp * (videoClockRate / 1000))
	payload := frame.Data
	for len(payload) > 0 {
		n := len(payload)
		if n > maxPayloadSize {
			n = maxPayloadSize
		}
		vt.seq++
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         n == len(payload),
				SequenceNumber: vt.seq,
				Timestamp:      ts,
				SSRC:           vt.ssrc,
			},
			Payload: payload[:n],
		}
		if err := vt.track.WriteRTP(pkt); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

func (t *Transport) WriteAudio(frame *core.AudioFrame) error {
	return t.audio.WriteSample(media.Sample{
		Data:     frame.Data,
		Duration: time.Duration(frame.DurationMS()) * time.Millisecond,
	})
}

func (t *Transport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.pc != nil {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc.transport").Msg("close error")
		} else {
			log.Info().Str("module", "rtc.transport").Msg("closed")
		}
	}
}
