// Package mailbox holds the staged email triage and read-back state shared
// by every session. One Manager exists per process; the dispatcher owns it
// and drives its step transitions, sessions consult it from their chat
// loops.
//
// Step semantics:
//
//	Disabled(-1)       nothing ingested yet, workflow unavailable
//	Ready(0)           emails classified, workflow may start
//	AwaitingChoice(1)  resume prompt sent, waiting for urgent/not-urgent
//	Reading(2)         read-back in progress, one pending chunk per turn
package mailbox

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bhandras/cabin/internal/urgency"
	"github.com/bhandras/cabin/pkg/logger"
)

// Step is the workflow stage.
type Step int

const (
	StepDisabled       Step = -1
	StepReady          Step = 0
	StepAwaitingChoice Step = 1
	StepReading        Step = 2
)

const (
	labelUrgent    = "urgent emails"
	labelNotUrgent = "less urgent emails"

	// nextPrefix marks a read-back chunk delivered after the user asked to
	// skip ahead.
	nextPrefix = "Next email: "

	summaryLimit = 50
)

// Email is one raw ingested email.
type Email struct {
	Sender  string
	Subject string
	Body    string
	Kind    string
}

// Entry is a classified (sender, summary) pair used for read-back.
type Entry struct {
	Sender  string
	Summary string
}

// Manager is the process-wide workflow engine.
type Manager struct {
	mu sync.Mutex

	step      Step
	emails    []Email
	urgent    []Entry
	notUrgent []Entry
	pending   []string
	advance   bool
}

// New creates an empty Manager with the workflow disabled.
func New() *Manager {
	return &Manager{step: StepDisabled}
}

// Step returns the current workflow stage.
func (m *Manager) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// SetStep moves the workflow stage. Transitions are owned by the dispatcher's
// workflow driver; this is the shared mutation point.
func (m *Manager) SetStep(s Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = s
}

// ResetStepIfEnabled forces the stage back to Ready unless the workflow is
// Disabled. Called when the agent feature switches away from work.
func (m *Manager) ResetStepIfEnabled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepDisabled {
		m.step = StepReady
	}
}

// AddEmail appends a raw email. Callable at any stage.
func (m *Manager) AddEmail(sender, subject, body, kind string) {
	m.mu.Lock()
	m.emails = append(m.emails, Email{Sender: sender, Subject: subject, Body: body, Kind: kind})
	m.mu.Unlock()
	logger.Infof("mailbox: email from %s added to the list of emails", sender)
}

// SetAdvance marks that the next delivered chunk should carry the
// "Next email" prefix.
func (m *Manager) SetAdvance() {
	m.mu.Lock()
	m.advance = true
	m.mu.Unlock()
}

// AdvanceArmed reports whether the next delivered email will carry the
// "Next email" prefix.
func (m *Manager) AdvanceArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advance
}

// Classify splits the ingested emails into urgent and not-urgent buckets and
// arms the workflow. An email is urgent iff its kind equals "urgent"
// case-insensitively. Idempotent on an empty list: both buckets come out
// empty and the stage still lands on Ready.
func (m *Manager) Classify() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var urgent, notUrgent []Entry
	for _, e := range m.emails {
		entry := Entry{Sender: e.Sender, Summary: summarize(e)}
		if strings.EqualFold(e.Kind, "urgent") {
			urgent = append(urgent, entry)
		} else {
			notUrgent = append(notUrgent, entry)
		}
	}
	m.urgent = urgent
	m.notUrgent = notUrgent
	m.step = StepReady
}

// Counts returns the bucket sizes.
func (m *Manager) Counts() (urgent, notUrgent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.urgent), len(m.notUrgent)
}

// ComposeResume builds the prompt asking which bucket to read first.
func (m *Manager) ComposeResume() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.urgent) + len(m.notUrgent)
	return fmt.Sprintf(
		"Hello you have %d unread emails, %d of them %s requiring your immediate attention and %d of them %s not. "+
			"Which emails would you like me to read first? Urgent emails or less urgent emails?",
		total, len(m.urgent), plural(len(m.urgent)), len(m.notUrgent), plural(len(m.notUrgent)))
}

// BuildReport queues the ordered read-back for the chosen class, chosen
// bucket first. An Unknown class queues a single re-prompt and returns
// false, meaning the stage must not advance.
func (m *Manager) BuildReport(class urgency.Class) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch class {
	case urgency.Urgent:
		m.pending = append(readingMessages(m.urgent, labelUrgent), readingMessages(m.notUrgent, labelNotUrgent)...)
		return true
	case urgency.NotUrgent:
		m.pending = append(readingMessages(m.notUrgent, labelNotUrgent), readingMessages(m.urgent, labelUrgent)...)
		return true
	default:
		m.pending = []string{"Please choose between " + labelUrgent + " or " + labelNotUrgent}
		return false
	}
}

// HasPending reports whether read-back chunks remain.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// PopPending removes and returns the front read-back chunk. During Reading,
// when the advance flag is set and the chunk is a real email (not a label or
// an empty-bucket notice) it is prefixed once and the flag cleared. Outside
// Reading the prefix never applies, so a stray next request cannot decorate
// the choice re-prompt. done reports that this was the terminal delivery.
func (m *Manager) PopPending() (msg string, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return "", true
	}
	msg = m.pending[0]
	m.pending = m.pending[1:]

	if m.advance && m.step == StepReading && !isStructural(msg) {
		msg = nextPrefix + msg
		m.advance = false
	}
	return msg, len(m.pending) == 0
}

// Reset clears everything and disables the workflow.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = nil
	m.urgent = nil
	m.notUrgent = nil
	m.pending = nil
	m.advance = false
	m.step = StepDisabled
}

func summarize(e Email) string {
	body := e.Body
	if r := []rune(body); len(r) > summaryLimit {
		body = string(r[:summaryLimit])
	}
	return fmt.Sprintf("Summary of the email with subject: %s, from %s is: %s...", e.Subject, e.Sender, body)
}

func readingMessages(entries []Entry, label string) []string {
	if len(entries) == 0 {
		return []string{"You do not have " + label}
	}
	msgs := make([]string, 0, len(entries)+1)
	msgs = append(msgs, label+":")
	for _, e := range entries {
		msgs = append(msgs, fmt.Sprintf("From: %s\n%s", e.Sender, e.Summary))
	}
	return msgs
}

// isStructural reports whether a chunk is a bucket label or an empty-bucket
// notice rather than an email.
func isStructural(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.HasPrefix(lower, "urgent") ||
		strings.HasPrefix(lower, "less") ||
		strings.HasPrefix(lower, "you do not have")
}

func plural(n int) string {
	if n > 1 {
		return "are"
	}
	return "is"
}
