// Package input abstracts the "get one line of user input, cancellable"
// capability a session's listen operation needs. Production uses stdin; the
// agent tests inject scripted sources.
package input

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/bhandras/cabin/pkg/logger"
)

// Source yields at most one line per Read call.
type Source interface {
	// Read blocks until a line is available or ctx is done. Cancellation and
	// timeout both yield ("", ctx.Err()); callers treat them as "no input".
	Read(ctx context.Context) (string, error)

	// Stop releases the source. Idempotent and safe to call even if Read was
	// never started.
	Stop()
}

// Factory produces a fresh Source per listen attempt.
type Factory func() Source

// lines is the process-wide stdin pump. Stdin cannot be handed back once a
// goroutine blocks on it, so a single reader feeds every Stdin source.
var (
	pumpOnce sync.Once
	lines    chan string
)

func startPump(r io.Reader) {
	lines = make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Warnf("input: stdin closed: %v", err)
		}
		close(lines)
	}()
}

// Stdin reads lines typed on the terminal.
type Stdin struct {
	mu      sync.Mutex
	stopped bool
}

// NewStdin returns a stdin-backed source, starting the shared reader on
// first use.
func NewStdin() *Stdin {
	pumpOnce.Do(func() { startPump(os.Stdin) })
	return &Stdin{}
}

// Read waits for the next typed line.
func (s *Stdin) Read(ctx context.Context) (string, error) {
	select {
	case line, ok := <-lines:
		if !ok {
			return "", io.EOF
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			// The source was stopped while a line was in flight; the line
			// belongs to nobody now.
			return "", context.Canceled
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop marks the source released.
func (s *Stdin) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
