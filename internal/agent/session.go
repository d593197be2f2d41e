package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bhandras/cabin/internal/input"
	"github.com/bhandras/cabin/internal/mailbox"
	"github.com/bhandras/cabin/internal/wire"
	"github.com/bhandras/cabin/pkg/logger"
)

// ErrChatActive is returned by Chat when a chat loop is already running for
// the session. Starting a second loop is an upstream logic error, never a
// tolerated race.
var ErrChatActive = errors.New("agent: chat loop already active")

// errNoQuery signals that a listen attempt produced nothing (timeout or
// cancellation). The chat loop treats it exactly like an explicit
// cancellation: disable and exit.
var errNoQuery = errors.New("agent: no query")

var (
	stopRe = regexp.MustCompile(`(?i)\bstop\b`)
	nextRe = regexp.MustCompile(`(?i)\bnext\b`)
)

// workListenTimeout bounds each listen attempt of the next/stop sub-loop
// during read-back.
const workListenTimeout = 300 * time.Second

// Session is the conversational agent bound to one instance slot. It owns
// the dialog state machine, the single-flight chat loop, and the in-flight
// cancellable operations of that loop.
type Session struct {
	instanceID int
	disp       *Dispatcher

	mu               sync.Mutex
	state            wire.DialogState
	chatEnabled      bool
	ttsCompleted     bool
	idleOnCompletion bool
	utterances       []string
	tasks            map[string]*task
	source           input.Source

	// gen identifies the current chat loop. A loop that was externally
	// disabled and superseded must not tear down its successor; every
	// loop-internal disable carries the generation it belongs to.
	gen uint64
}

// task is one cancellable in-flight operation owned by the session.
type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(instanceID int, d *Dispatcher) *Session {
	logger.Infof("session %d: initializing", instanceID)
	return &Session{
		instanceID:   instanceID,
		disp:         d,
		ttsCompleted: true,
		tasks:        make(map[string]*task),
	}
}

// Attach binds the session to the bus: forces the dialog state to idle and
// announces the instance as ready. Re-run on every reconnect.
func (s *Session) Attach() {
	if err := s.SetState(wire.StateIdle); err != nil {
		logger.Errorf("session %d: attach: %v", s.instanceID, err)
		return
	}
	s.disp.sendReady(s.instanceID)
}

// State returns the current dialog state.
func (s *Session) State() wire.DialogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the dialog state and notifies the bus. Setting the
// current state again is a no-op. A state outside the fixed set is an
// invariant violation; the returned error stops the session's loop.
func (s *Session) SetState(state wire.DialogState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid dialog state %q", state)
	}

	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return nil
	}
	s.state = state
	s.mu.Unlock()

	s.disp.sendDialogState(state, s.instanceID)
	return nil
}

// ChatEnabled reports whether the chat loop is running.
func (s *Session) ChatEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatEnabled
}

// SetTTSCompleted flips the flag gating loop progress while an utterance is
// being synthesized.
func (s *Session) SetTTSCompleted(v bool) {
	s.mu.Lock()
	s.ttsCompleted = v
	s.mu.Unlock()
}

func (s *Session) ttsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsCompleted
}

// Utterances returns a copy of the current run's produced utterances.
func (s *Session) Utterances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.utterances...)
}

func (s *Session) appendUtterance(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.utterances = append(s.utterances, text)
	s.mu.Unlock()
}

// Interrupt cancels the running loop and returns the session to idle.
func (s *Session) Interrupt() {
	s.Disable(true)
}

// Chat runs the session's chat loop until it is disabled. Single-flight: a
// second call while a loop is enabled returns ErrChatActive. instant
// controls whether the first iteration may listen immediately or must wait
// for a TTS completion first.
func (s *Session) Chat(instant bool) error {
	s.mu.Lock()
	if s.chatEnabled {
		s.mu.Unlock()
		return ErrChatActive
	}
	s.chatEnabled = true
	s.ttsCompleted = instant
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	for s.isActive(gen) {
		if !s.disp.transport.Connected() {
			// Degraded-mode poll: keep the loop alive until the dispatcher
			// reconnects.
			if err := s.SetState(wire.StateIdle); err != nil {
				s.disable(gen, true)
				return err
			}
			time.Sleep(s.disp.pollInterval)
			continue
		}

		if !s.ttsDone() {
			time.Sleep(s.disp.pollInterval)
			continue
		}

		if s.idleRequested() {
			s.disable(gen, true)
			return nil
		}

		stop, err := s.chatIteration(gen)
		switch {
		case errors.Is(err, errNoQuery) || errors.Is(err, context.Canceled):
			logger.Warnf("session %d: chat cancelled: %v", s.instanceID, err)
			// Keep dialog context when cancelled mid read-back so the
			// workflow can resume where it left off.
			idle := s.disp.mailbox.Step() != mailbox.StepReading
			s.disable(gen, idle)
			return nil
		case err != nil:
			logger.Errorf("session %d: chat iteration: %v", s.instanceID, err)
			s.disable(gen, true)
			return err
		case stop:
			return nil
		}
	}
	return nil
}

// isActive reports whether the loop identified by gen is still the enabled
// one.
func (s *Session) isActive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatEnabled && s.gen == gen
}

func (s *Session) idleRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleOnCompletion
}

// chatIteration performs one turn: the read-back special case, then a
// listen, then feature-specific handling of the obtained text.
func (s *Session) chatIteration(gen uint64) (stop bool, err error) {
	logger.Debugf("session %d: chat iteration", s.instanceID)

	if s.disp.mailbox.Step() == mailbox.StepReading && s.disp.Feature() == wire.FeatureWork {
		if err := s.SetState(wire.StateResponding); err != nil {
			return false, err
		}
		msg := s.disp.execWorkflow(s.instanceID, mailbox.StepReading, "")
		s.appendUtterance(msg)

		if s.disp.mailbox.Step() == mailbox.StepReady {
			// Terminal delivery: let the last utterance finish, hand the
			// feature back to dialog, and stop without clearing context.
			for !s.ttsDone() && s.isActive(gen) {
				logger.Debugf("session %d: waiting for TTS to complete", s.instanceID)
				time.Sleep(s.disp.pollInterval)
			}
			s.disp.sendFeature(wire.FeatureDialog, s.instanceID)
			s.disable(gen, false)
			return true, nil
		}
	}

	text, err := s.listenTracked(gen, 0)
	if err != nil {
		return false, err
	}
	if text == "" {
		return false, errNoQuery
	}
	logger.Infof("session %d: user said: %q", s.instanceID, text)

	if s.disp.Feature() == wire.FeatureWork {
		return s.handleWork(gen, text)
	}
	return false, s.handleDialog()
}

// handleWork processes user text while the work feature is active.
func (s *Session) handleWork(gen uint64, text string) (stop bool, err error) {
	if stopRe.MatchString(text) {
		logger.Warnf("session %d: user said stop", s.instanceID)
		s.disp.sendFeature(wire.FeatureDialog, s.instanceID)
		s.disable(gen, true)
		return true, nil
	}

	switch s.disp.mailbox.Step() {
	case mailbox.StepAwaitingChoice:
		if err := s.SetState(wire.StateResponding); err != nil {
			return false, err
		}
		msg := s.disp.execWorkflow(s.instanceID, mailbox.StepAwaitingChoice, strings.ToLower(text))
		s.appendUtterance(msg)
		return false, nil
	case mailbox.StepReading:
		return s.awaitNextOrStop(gen, text)
	default:
		return false, nil
	}
}

// awaitNextOrStop keeps listening until one of the two read-back sentinels
// is heard. Modelled as a bounded loop so cancellation depth stays constant
// no matter how long the user stays silent.
func (s *Session) awaitNextOrStop(gen uint64, text string) (stop bool, err error) {
	for {
		switch {
		case nextRe.MatchString(text):
			logger.Warnf("session %d: user said next", s.instanceID)
			s.disp.mailbox.SetAdvance()
			return false, nil
		case stopRe.MatchString(text):
			logger.Warnf("session %d: user said stop", s.instanceID)
			s.disp.sendFeature(wire.FeatureDialog, s.instanceID)
			s.disable(gen, true)
			return true, nil
		}

		text, err = s.listenTracked(gen, workListenTimeout)
		if err != nil {
			return false, err
		}
		if text == "" {
			return false, errNoQuery
		}
	}
}

// handleDialog produces a response for the dialog and remaining features.
func (s *Session) handleDialog() error {
	if err := s.SetState(wire.StateResponding); err != nil {
		return err
	}
	response := "This is a placeholder response."
	s.disp.sendText(response, s.instanceID)
	s.appendUtterance(response)
	return nil
}

// listenTracked runs one listen attempt as a tracked cancellable task, so a
// disable can cancel it and await its unwind.
func (s *Session) listenTracked(gen uint64, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if !s.chatEnabled || s.gen != gen {
		s.mu.Unlock()
		cancel()
		return "", context.Canceled
	}
	s.tasks[t.id] = t
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
		close(t.done)
		cancel()
	}()

	return s.listen(ctx, timeout)
}

// listen acquires a fresh input source, transitions to listening, and races
// the read against cancellation and the optional timeout. The source is
// stopped on every exit path.
func (s *Session) listen(ctx context.Context, timeout time.Duration) (string, error) {
	if err := s.SetState(wire.StateListening); err != nil {
		return "", err
	}

	src := s.disp.newSource()
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.source == src {
			s.source = nil
		}
		s.mu.Unlock()
		src.Stop()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	line, err := src.Read(ctx)
	switch {
	case err == nil:
		return line, nil
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warnf("session %d: listen timed out", s.instanceID)
		return "", nil
	case errors.Is(err, context.Canceled):
		logger.Infof("session %d: listen cancelled", s.instanceID)
		return "", nil
	default:
		logger.Errorf("session %d: listen failed: %v", s.instanceID, err)
		return "", nil
	}
}

// Disable stops the chat loop and performs cleanup. Every in-flight task is
// cancelled and awaited before Disable returns, so no stale task can still
// mutate session state afterwards. When idle is true the dialog context is
// cleared and the session returns to idle; mid read-back callers pass false
// so workflow progress survives.
func (s *Session) Disable(idle bool) {
	s.disable(0, idle)
}

// disable is the gen-aware core of Disable. gen 0 forces the teardown;
// otherwise the call is dropped when a newer loop owns the session.
func (s *Session) disable(gen uint64, idle bool) {
	s.mu.Lock()
	if gen != 0 && gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.chatEnabled = false
	s.ttsCompleted = true
	s.idleOnCompletion = false
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}

	// The unwound listen normally releases its own source; this covers a
	// source left behind without a task attached.
	s.mu.Lock()
	src := s.source
	s.source = nil
	s.mu.Unlock()
	if src != nil {
		src.Stop()
	}

	if idle {
		s.mu.Lock()
		s.utterances = nil
		s.mu.Unlock()
		if err := s.SetState(wire.StateIdle); err != nil {
			logger.Errorf("session %d: disable: %v", s.instanceID, err)
		}
	}
}
