// Package wav persists finalized speech segments as 16-bit mono PCM WAV files.
package wav

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

const (
	bitsPerSample = 16
	channels      = 1
	headerSize    = 44

	// maxCollisionRetries bounds how many times Write bumps the timestamp
	// when a file with the same name already exists.
	maxCollisionRetries = 1000
)

// DefaultDir is the directory recordings are written to when none is set.
const DefaultDir = "recordings"

// Writer writes segments as recording_<UTC timestamp>.wav files in Dir.
type Writer struct {
	Dir string

	now func() time.Time
}

// NewWriter returns a Writer for dir. An empty dir means DefaultDir.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{Dir: dir, now: time.Now}
}

// Write encodes samples and returns the absolute path of the new file.
// Existing files are never overwritten.
func (w *Writer) Write(samples []float32, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		return "", fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	f, path, err := w.create()
	if err != nil {
		return "", err
	}

	if err := Encode(f, samples, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func (w *Writer) create() (*os.File, string, error) {
	ts := w.now().UTC()
	for i := 0; i < maxCollisionRetries; i++ {
		path := filepath.Join(w.Dir, FileName(ts))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create recording file: %w", err)
		}
		ts = ts.Add(time.Microsecond)
	}
	return nil, "", fmt.Errorf("failed to create recording file: too many name collisions in %s", w.Dir)
}

// FileName returns the recording file name for t, with microsecond precision.
func FileName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("recording_%s_%06d.wav", t.Format("20060102_150405"), t.Nanosecond()/int(time.Microsecond))
}

// Encode writes a complete RIFF/WAV stream for samples to w.
func Encode(w io.Writer, samples []float32, sampleRate int) error {
	dataSize := len(samples) * bitsPerSample / 8
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var header [headerSize]byte

	// RIFF chunk descriptor
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")

	// fmt sub-chunk
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)

	// data sub-chunk
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}

	var buf [2]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf[:], uint16(ToPCM16(s)))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ToPCM16 converts a float sample in [-1,1] to 16-bit PCM, clipping
// anything outside that range.
func ToPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}
