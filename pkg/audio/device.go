package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned (possibly wrapped) by [Microphone.Open]
// when the operating system or user refuses access to the input device.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Microphone opens live input streams. Implementations: ffmpeg.Microphone,
// mock.Microphone.
type Microphone interface {
	// Open acquires the input device. It blocks until the device is ready or
	// ctx is cancelled. format is the preferred capture format; the stream
	// reports the format it actually delivers.
	Open(ctx context.Context, format Format) (InputStream, error)
}

// InputStream is an acquired microphone. Blocks delivers fixed-size blocks of
// interleaved float samples in [-1, 1] and is closed when the stream ends or
// [InputStream.Close] is called.
type InputStream interface {
	Format() Format
	Blocks() <-chan []float32
	Close() error
}

// Speaker opens output streams on the playback device.
type Speaker interface {
	Open(ctx context.Context, format Format) (OutputStream, error)
}

// OutputStream accepts interleaved float samples. Write may block for the
// time the device needs to accept the block, which paces the caller.
type OutputStream interface {
	Format() Format
	Write(samples []float32) error
	Close() error
}
