// Core frame and sample types shared by the engine and its adapters.
package core

// PixelFormat represents video pixel formats accepted from custom capture.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar
	PixelFormatNV12                      // YUV 4:2:0 semi-planar
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	default:
		return "Unknown"
	}
}

// VideoFrame is a caller-supplied raw video buffer. It is consumed once:
// the engine does not retain Data beyond the delivery call.
type VideoFrame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp uint64 // capture PTS in ms, from Synchronizer.GeneratePTS
}

// Clone deep-copies the frame. The registry uses it for placeholder images,
// which outlive the mute call that supplied them.
func (f *VideoFrame) Clone() *VideoFrame {
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// AudioFrame is a caller-supplied PCM buffer (S16, interleaved).
type AudioFrame struct {
	Data       []byte
	SampleRate int    // 16000, 24000, 32000, 44100 or 48000
	Channels   int    // 1 or 2
	Timestamp  uint64 // capture PTS in ms
}

const bytesPerSample = 2 // S16

// DurationMS returns the playback duration of the buffer, or 0 when the
// format descriptor is unusable.
func (f *AudioFrame) DurationMS() int {
	if f.SampleRate <= 0 || f.Channels <= 0 || len(f.Data) == 0 {
		return 0
	}
	samples := len(f.Data) / (bytesPerSample * f.Channels)
	return samples * 1000 / f.SampleRate
}

// ValidFormat reports whether the descriptor matches what the mixer accepts.
func (f *AudioFrame) ValidFormat() bool {
	switch f.SampleRate {
	case 16000, 24000, 32000, 44100, 48000:
	default:
		return false
	}
	return f.Channels == 1 || f.Channels == 2
}
