// Package live defines the bidirectional streaming channel between a voice
// session and a remote conversational model.
//
// A [Provider] performs the remote setup handshake and returns a
// [ChannelHandle] only once the channel is usable. Inbound traffic is a
// stream of tagged [Event] values delivered strictly in arrival order.
// Outbound traffic is microphone audio ([AudioFrame]) and tool results
// ([ToolResult]).
//
// Implementations live in sub-packages (gemini, openai) and a scripted
// handle for tests lives in mock.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/aura/pkg/audio"
)

// InputMIMEType is the MIME type of every outbound audio frame.
const InputMIMEType = "audio/pcm;rate=16000"

// OutputMIMEType is the MIME type of model audio after adapter normalisation.
const OutputMIMEType = "audio/pcm;rate=24000"

// ErrClosed is returned by send operations on a closed [ChannelHandle].
var ErrClosed = errors.New("live: channel closed")

// ─── Inbound events ───────────────────────────────────────────────────────────

// Event is one inbound message from the remote model. The set of variants is
// closed: ToolCall, PartialTranscription, TurnComplete, AudioChunk,
// Interrupted and ChannelError.
type Event interface {
	isEvent()
}

// Channel identifies which side of the conversation a transcription belongs to.
type Channel int

const (
	// ChannelInput is the transcription of the user's microphone audio.
	ChannelInput Channel = iota
	// ChannelOutput is the transcription of the model's spoken reply.
	ChannelOutput
)

// String returns "input" or "output".
func (c Channel) String() string {
	switch c {
	case ChannelInput:
		return "input"
	case ChannelOutput:
		return "output"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ToolCall asks the client to run a named tool. ID and Name are always
// non-empty; adapters reject calls missing either.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// PartialTranscription is a transcription fragment of arbitrary granularity.
type PartialTranscription struct {
	Channel Channel
	Text    string
}

// TurnComplete marks the end of one user/model exchange.
type TurnComplete struct{}

// AudioChunk carries base64-encoded PCM16 mono audio at 24 kHz. Decoding is
// left to the consumer so that malformed payloads surface as decode errors
// where they are handled.
type AudioChunk struct {
	Data     string
	MIMEType string
}

// Interrupted reports that the user barged in and any queued model audio
// must be discarded.
type Interrupted struct{}

// ChannelError reports a transport or protocol failure. It is delivered as
// an event when the channel fails after setup and returned as an error when
// the setup handshake fails.
type ChannelError struct {
	Message string
	Err     error
}

func (ToolCall) isEvent()             {}
func (PartialTranscription) isEvent() {}
func (TurnComplete) isEvent()         {}
func (AudioChunk) isEvent()           {}
func (Interrupted) isEvent()          {}
func (ChannelError) isEvent()         {}

// Error implements error.
func (e ChannelError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("live: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return "live: " + e.Err.Error()
	default:
		return "live: " + e.Message
	}
}

// Unwrap returns the underlying cause, if any.
func (e ChannelError) Unwrap() error { return e.Err }

// ─── Outbound messages ────────────────────────────────────────────────────────

// AudioFrame is one outbound chunk of base64 PCM16 mono 16 kHz audio.
type AudioFrame struct {
	Data     string
	MIMEType string
}

// FrameFromAudio encodes a captured frame for the wire.
func FrameFromAudio(f audio.AudioFrame) AudioFrame {
	return AudioFrame{Data: audio.EncodeBase64(f.Data), MIMEType: InputMIMEType}
}

// ToolResult answers exactly one [ToolCall], tagged with its ID and Name.
type ToolResult struct {
	ID      string
	Name    string
	Payload map[string]any
}

// ─── Session configuration ────────────────────────────────────────────────────

// ToolDeclaration describes a tool the model may call. Parameters is a JSON
// Schema object.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is sent to the remote model during setup.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the provider-specific prebuilt voice name.
	Voice string

	// Instructions is the system instruction for the whole session.
	Instructions string

	Tools []ToolDeclaration

	// InputTranscription and OutputTranscription request transcription
	// events for the user and model audio respectively.
	InputTranscription  bool
	OutputTranscription bool

	// OnDecodeError, when set, is called for every inbound frame the adapter
	// drops as malformed. It must not block.
	OnDecodeError func(error)
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider opens live channels.
type Provider interface {
	// Connect dials the remote model and completes the setup handshake. It
	// returns a usable handle or an error matching [ChannelError].
	Connect(ctx context.Context, cfg SessionConfig) (ChannelHandle, error)

	// Name is a short identifier used in logs and metrics.
	Name() string
}

// ChannelHandle is an open live channel.
//
// All methods are safe for concurrent use. SendAudio and SendToolResult
// return [ErrClosed] once Close has been called or the channel has failed.
type ChannelHandle interface {
	// Events returns the inbound event stream. It is closed when the channel
	// ends, after a final ChannelError event if the channel failed.
	Events() <-chan Event

	SendAudio(ctx context.Context, frame AudioFrame) error

	SendToolResult(ctx context.Context, result ToolResult) error

	// Err returns the error that terminated the channel, or nil if it was
	// closed locally or ended cleanly.
	Err() error

	// Close terminates the channel. Idempotent.
	Close() error
}
