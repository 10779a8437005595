package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDecode is matched (via [errors.Is]) by every [DecodeError].
var ErrDecode = errors.New("audio: decode error")

// DecodeError reports inbound audio that could not be turned into samples.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// Float32ToPCM16 converts float samples in [-1, 1] to little-endian PCM16.
// Out-of-range samples are clamped. Positive values scale by 32767 and
// negative values by 32768 so that both extremes are reachable.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			s = 0
		}
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat32 converts little-endian PCM16 to float samples in [-1, 1).
// An odd byte count is a [DecodeError].
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd PCM16 byte count %d", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// EncodeBase64 returns the standard base64 text of pcm.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes standard base64 text. Malformed input is a [DecodeError].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	return b, nil
}

// DecodeChunk decodes a base64 PCM16 payload straight into float samples.
func DecodeChunk(s string) ([]float32, error) {
	pcm, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat32(pcm)
}

// Duration returns the playback length of n bytes of PCM16 audio.
func Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := int64(n / 2 / channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// SamplesDuration returns the playback length of n mono samples.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
