package segment

import (
	"errors"

	"github.com/petems/voice-segmenter/internal/audio"
)

var (
	// ErrDeviceUnavailable is returned by Start when the stream cannot be
	// opened. Start may be retried.
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable

	// ErrStreamFault is delivered on the event channel when the capture
	// stream dies; the recorder is Idle afterwards.
	ErrStreamFault = audio.ErrStreamFault

	// ErrQueueOverflow is logged when a chunk is dropped because the worker
	// fell behind. It is never returned.
	ErrQueueOverflow = errors.New("chunk queue overflow")

	// ErrSinkWrite is delivered on the event channel when a finalized
	// segment could not be persisted. The audio is not retained.
	ErrSinkWrite = errors.New("segment sink write failed")

	// ErrCorruptConfig rejects invalid thresholds or durations at
	// construction time.
	ErrCorruptConfig = errors.New("invalid segmentation config")
)
