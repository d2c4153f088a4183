package stream

import (
	"encoding/binary"
	"fmt"
	"os"
)

// wavHeaderSize is the fixed RIFF header length for 16-bit PCM.
const wavHeaderSize = 44

const (
	wavChannels       = 1
	wavBytesPerSample = 2
)

// EncodeWAVHeader builds the 44-byte RIFF header for 16-bit little-endian
// PCM mono audio at the given sample rate, declaring dataLen payload bytes.
// With dataLen 0 this is the placeholder written at stream start.
func EncodeWAVHeader(sampleRate int, dataLen int64) []byte {
	byteRate := uint32(sampleRate * wavChannels * wavBytesPerSample)

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], wavChannels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], wavChannels*wavBytesPerSample)
	binary.LittleEndian.PutUint16(h[34:36], wavBytesPerSample*8)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// Sink appends raw PCM to a WAV file. The header is written as a zero-length
// placeholder on open and rewritten with the real data size on Close.
type Sink struct {
	file       *os.File
	path       string
	sampleRate int
	dataBytes  int64
}

// NewSink creates the file and writes the placeholder header.
func NewSink(path string, sampleRate int) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio sink: %w", err)
	}
	if _, err := f.Write(EncodeWAVHeader(sampleRate, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write audio sink header: %w", err)
	}
	return &Sink{file: f, path: path, sampleRate: sampleRate}, nil
}

// Append writes one audio frame and tracks the cumulative payload size.
func (s *Sink) Append(p []byte) error {
	n, err := s.file.Write(p)
	s.dataBytes += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append audio: %w", err)
	}
	return nil
}

// Path returns the sink's file path.
func (s *Sink) Path() string { return s.path }

// Bytes returns the cumulative PCM payload size, excluding the header.
func (s *Sink) Bytes() int64 { return s.dataBytes }

// DurationSeconds derives the recording length from the payload size.
func (s *Sink) DurationSeconds() float64 {
	return float64(s.dataBytes) / float64(s.sampleRate*wavChannels*wavBytesPerSample)
}

// Close rewrites the header with the final data size and closes the file.
func (s *Sink) Close() error {
	if _, err := s.file.WriteAt(EncodeWAVHeader(s.sampleRate, s.dataBytes), 0); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to finalize audio sink header: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close audio sink: %w", err)
	}
	return nil
}
