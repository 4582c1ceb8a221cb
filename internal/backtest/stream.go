// Package backtest replays a recorded signal stream through the live
// engine wiring: in-memory store, simulated broker fills and a fake
// clock slaved to signal timestamps.
package backtest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stream yields webhook payloads from a JSONL file, one signal per line.
// Blank lines and #-comments are skipped.
type Stream struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenStream opens the signal file for replay.
func OpenStream(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signal stream: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{file: f, scanner: scanner}, nil
}

// Next returns the next payload. io.EOF ends the stream.
func (s *Stream) Next() ([]byte, int, error) {
	for s.scanner.Scan() {
		s.line++
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		return []byte(text), s.line, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, s.line, err
	}
	return nil, s.line, io.EOF
}

// Close releases the underlying file.
func (s *Stream) Close() error { return s.file.Close() }
