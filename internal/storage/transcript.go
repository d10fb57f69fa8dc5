// Package storage persists raw shell-session transcripts. Recordings are
// the ground truth for validating echo-boundary strategies against real
// firmware, which is why capture happens below the echo filter.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TranscriptEntry is one raw chunk as it crossed the wire.
type TranscriptEntry struct {
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"data"`
}

const (
	// DirectionIn marks bytes read from the device.
	DirectionIn = "in"
	// DirectionOut marks bytes written to the device.
	DirectionOut = "out"
)

// TranscriptRecorder appends session traffic to a JSONL file.
type TranscriptRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
}

// NewTranscriptRecorder creates a uniquely named transcript under baseDir.
func NewTranscriptRecorder(baseDir string) (*TranscriptRecorder, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory %s: %w", baseDir, err)
	}
	name := time.Now().Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "") + ".jsonl"
	path := filepath.Join(baseDir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create transcript %s: %w", path, err)
	}
	return &TranscriptRecorder{
		file: file,
		enc:  json.NewEncoder(file),
		path: path,
	}, nil
}

// Path returns the transcript file location.
func (r *TranscriptRecorder) Path() string {
	return r.path
}

// RecordInbound captures bytes read from the device.
func (r *TranscriptRecorder) RecordInbound(chunk []byte) {
	r.record(DirectionIn, chunk)
}

// RecordOutbound captures bytes written to the device.
func (r *TranscriptRecorder) RecordOutbound(chunk []byte) {
	r.record(DirectionOut, chunk)
}

func (r *TranscriptRecorder) record(direction string, chunk []byte) {
	entry := TranscriptEntry{
		Direction: direction,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Data:      append([]byte(nil), chunk...),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	// Recording is best effort; a full disk must not take the session down.
	_ = r.enc.Encode(entry)
}

// Close flushes and closes the transcript.
func (r *TranscriptRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReadTranscript loads a recorded transcript for replay in tests.
func ReadTranscript(path string) ([]TranscriptEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer file.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry TranscriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode transcript line: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}
	return entries, nil
}
