// Package audio holds the sample formats, PCM codec and device interfaces
// shared by the capture and playback halves of a voice session.
//
// Two fixed formats cross the wire: microphone audio is sent as 16 kHz mono
// PCM16 ([InputFormat]) and model audio arrives as 24 kHz mono PCM16
// ([OutputFormat]). Devices may run at other rates; [FormatConverter] bridges
// the difference.
package audio

import "time"

// Wire sample rates.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

var (
	// InputFormat is the format of every [AudioFrame] sent to the remote model.
	InputFormat = Format{SampleRate: InputSampleRate, Channels: 1}

	// OutputFormat is the format of model audio received from the remote model.
	OutputFormat = Format{SampleRate: OutputSampleRate, Channels: 1}
)

// AudioFrame is one chunk of captured microphone audio, already encoded as
// little-endian PCM16. Frames are produced continuously while capturing and
// handed to the outbound sender without being retained.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Seq increases by one per captured frame, starting at zero. Gaps mark
	// frames discarded under backpressure.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Duration(len(f.Data), f.SampleRate, f.Channels)
}
