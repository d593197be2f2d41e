package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bhandras/cabin/internal/config"
	"github.com/bhandras/cabin/internal/input"
	"github.com/bhandras/cabin/internal/mailbox"
	"github.com/bhandras/cabin/internal/urgency"
	"github.com/bhandras/cabin/internal/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// fakeTransport records outbound messages and reports a fixed connection
// state. Tests inject frames via HandleFrame directly, so Receive is never
// exercised here.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []wire.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	return nil, context.Canceled
}

func (f *fakeTransport) Send(frame []byte) error {
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) messages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.sent...)
}

func (f *fakeTransport) count(name string) int {
	n := 0
	for _, m := range f.messages() {
		if m.Name == name {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastTTS() (string, bool) {
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Name == wire.NameTTSText {
			return msgs[i].Field("text"), true
		}
	}
	return "", false
}

// scriptedSource yields pre-seeded lines, then blocks until cancelled. Stop
// calls are counted.
type scriptedSource struct {
	lines chan string

	mu    sync.Mutex
	stops int
}

func newScriptedSource(lines ...string) *scriptedSource {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	return &scriptedSource{lines: ch}
}

func (s *scriptedSource) Read(ctx context.Context) (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *scriptedSource) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *scriptedSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// scriptedFactory hands out one scripted source per listen attempt and
// remembers every source it created.
type scriptedFactory struct {
	mu      sync.Mutex
	scripts [][]string
	created []*scriptedSource
}

func newScriptedFactory(scripts ...[]string) *scriptedFactory {
	return &scriptedFactory{scripts: scripts}
}

func (f *scriptedFactory) source() input.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	var src *scriptedSource
	if len(f.scripts) > 0 {
		src = newScriptedSource(f.scripts[0]...)
		f.scripts = f.scripts[1:]
	} else {
		src = newScriptedSource()
	}
	f.created = append(f.created, src)
	return src
}

func (f *scriptedFactory) sources() []*scriptedSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*scriptedSource(nil), f.created...)
}

func encodeFrame(t *testing.T, msg wire.Message) []byte {
	t.Helper()
	frame, err := msg.Encode()
	require.NoError(t, err)
	return frame
}

func newTestDispatcher(t *testing.T, factory *scriptedFactory) (*Dispatcher, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	cfg := &config.Config{
		ReconnectMin: time.Millisecond,
		ReconnectMax: time.Millisecond,
	}
	d := New(cfg, tr, factory.source)
	d.pollInterval = time.Millisecond
	d.settleDelay = time.Millisecond
	return d, tr
}

func addInstance(t *testing.T, d *Dispatcher, instance int, zone string) *Session {
	t.Helper()
	msg := wire.Message{Name: zone, Type: wire.NameInstanceAdd, Instance: instance}
	d.HandleFrame(encodeFrame(t, msg))
	sess := d.Session(instance)
	require.NotNil(t, sess)
	return sess
}

func TestInstanceAddCreatesAndAnnouncesSession(t *testing.T) {
	d, tr := newTestDispatcher(t, newScriptedFactory())

	sess := addInstance(t, d, 0, "zone_front_left")
	require.Equal(t, wire.StateIdle, sess.State())
	require.Equal(t, 1, tr.count(wire.NameDialogState))
	require.Equal(t, 1, tr.count(wire.NameDeviceReady))

	// Re-adding the same instance re-attaches the existing session.
	again := addInstance(t, d, 0, "zone_front_left")
	require.Same(t, sess, again)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	d, tr := newTestDispatcher(t, newScriptedFactory())

	d.HandleFrame([]byte("not json\x00"))
	d.HandleFrame(nil)
	require.Empty(t, tr.messages())
}

func TestChatSingleFlight(t *testing.T) {
	factory := newScriptedFactory()
	d, _ := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Chat(true) }()

	require.Eventually(t, sess.ChatEnabled, waitFor, tick)
	require.ErrorIs(t, sess.Chat(true), ErrChatActive)

	sess.Interrupt()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("chat loop did not exit after interrupt")
	}
	require.False(t, sess.ChatEnabled())
	require.Equal(t, wire.StateIdle, sess.State())
}

func TestSetStateIdempotent(t *testing.T) {
	d, tr := newTestDispatcher(t, newScriptedFactory())
	sess := addInstance(t, d, 0, "zone_front_left")

	before := tr.count(wire.NameDialogState)
	require.NoError(t, sess.SetState(wire.StateListening))
	require.NoError(t, sess.SetState(wire.StateListening))
	require.Equal(t, before+1, tr.count(wire.NameDialogState))

	require.Error(t, sess.SetState(wire.DialogState("daydreaming")))
	require.Equal(t, wire.StateListening, sess.State())
}

func TestCancelledListenStopsSourceOnce(t *testing.T) {
	factory := newScriptedFactory()
	d, _ := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Chat(true)
	}()

	// Wait for the listen to be in flight.
	require.Eventually(t, func() bool {
		return len(factory.sources()) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return sess.State() == wire.StateListening
	}, waitFor, tick)

	sess.Disable(true)
	require.Equal(t, 1, factory.sources()[0].stopCount())

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("chat loop did not exit")
	}
}

func TestDialogPlaceholderResponse(t *testing.T) {
	factory := newScriptedFactory([]string{"hello there"})
	d, tr := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	go func() { _ = sess.Chat(true) }()

	require.Eventually(t, func() bool {
		text, ok := tr.lastTTS()
		return ok && text == "This is a placeholder response."
	}, waitFor, tick)
	require.Equal(t, wire.StateResponding, sess.State())

	// The response lands in the dialog context until an idle disable
	// clears it.
	require.Eventually(t, func() bool {
		u := sess.Utterances()
		return len(u) == 1 && u[0] == "This is a placeholder response."
	}, waitFor, tick)

	sess.Interrupt()
	require.Empty(t, sess.Utterances())
}

func TestEnableListenerStartsAndRestartsChat(t *testing.T) {
	factory := newScriptedFactory()
	d, _ := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	enable := wire.Message{
		Name: wire.NameEnableListener, Type: wire.TypeSimpleSignal, Value: "true",
	}
	d.HandleFrame(encodeFrame(t, enable))
	require.Eventually(t, sess.ChatEnabled, waitFor, tick)

	// A second press interrupts and starts a fresh loop instead of
	// tripping the single-flight guard.
	d.HandleFrame(encodeFrame(t, enable))
	require.Eventually(t, func() bool {
		return sess.ChatEnabled() && len(factory.sources()) >= 2
	}, waitFor, tick)

	disable := wire.Message{
		Name: wire.NameEnableListener, Type: wire.TypeSimpleSignal, Value: "false",
	}
	d.HandleFrame(encodeFrame(t, disable))
	require.Eventually(t, func() bool {
		return !sess.ChatEnabled() && sess.State() == wire.StateIdle
	}, waitFor, tick)
}

func TestUserDetectedReplacesProfile(t *testing.T) {
	d, _ := newTestDispatcher(t, newScriptedFactory())
	addInstance(t, d, 0, "zone_front_left")

	detect := func(name string) wire.Message {
		return wire.Message{
			Name: wire.NameUserDetected, Type: wire.TypeStructSignal,
			Fields: []wire.Field{{Name: "user_name", Value: name}},
		}
	}
	d.HandleFrame(encodeFrame(t, detect("kati")))
	d.HandleFrame(encodeFrame(t, detect("adam")))

	d.mu.Lock()
	profile := d.users[0]
	d.mu.Unlock()
	require.Equal(t, "adam", profile["user_name"])
}

func TestWorkFeatureRequiresReadyWorkflow(t *testing.T) {
	d, tr := newTestDispatcher(t, newScriptedFactory())
	addInstance(t, d, 0, "zone_front_left")

	// No mail transaction has finished, the workflow is still disabled.
	msg := wire.Message{
		Name: wire.NameAgentFeature, Type: wire.TypeSimpleSignal, Value: "email",
	}
	d.HandleFrame(encodeFrame(t, msg))

	require.Equal(t, mailbox.StepDisabled, d.mailbox.Step())
	require.Equal(t, noOwner, d.WorkOwner())
	// The feature itself is stored even though the workflow cannot start.
	require.Equal(t, wire.FeatureWork, d.Feature())

	var errLogged bool
	for _, m := range tr.messages() {
		if m.Name == wire.NameLog && m.Field("log_level") == "error" {
			errLogged = true
		}
	}
	require.True(t, errLogged)

	// Because the rejected switch was stored, handing back to dialog is a
	// real change and must not be suppressed.
	before := tr.count(wire.NameAgentFeature)
	d.sendFeature(wire.FeatureDialog, wire.BroadcastInstance)
	require.Equal(t, before+1, tr.count(wire.NameAgentFeature))
	require.Equal(t, wire.FeatureDialog, d.Feature())
}

func TestWorkClaimBeforeClassificationRejected(t *testing.T) {
	d, tr := newTestDispatcher(t, newScriptedFactory())
	addInstance(t, d, 0, "zone_front_left")

	// Emails ingested but the classification pass has not finished: the
	// workflow is still disarmed, so a claim must be rejected instead of
	// synthesizing a read-back over empty buckets.
	d.mailbox.AddEmail("A", "S1", "B1", "urgent")
	require.Equal(t, mailbox.StepDisabled, d.mailbox.Step())

	claim := wire.Message{
		Name: wire.NameAgentFeature, Type: wire.TypeSimpleSignal, Value: "email",
	}
	d.HandleFrame(encodeFrame(t, claim))

	require.Equal(t, noOwner, d.WorkOwner())
	require.Equal(t, mailbox.StepDisabled, d.mailbox.Step())
	require.False(t, d.mailbox.HasPending())
	require.Zero(t, tr.count(wire.NameTTSText))
}

func TestSecondInstanceCannotClaimWorkflow(t *testing.T) {
	factory := newScriptedFactory()
	d, tr := newTestDispatcher(t, factory)
	addInstance(t, d, 0, "zone_front_left")
	addInstance(t, d, 1, "zone_front_right")

	d.mailbox.AddEmail("A", "S1", "B1", "urgent")
	d.mailbox.AddEmail("B", "S2", "B2", "normal")
	d.mailbox.Classify()

	claim := func(instance int) {
		msg := wire.Message{
			Name: wire.NameAgentFeature, Type: wire.TypeSimpleSignal,
			Instance: instance, Value: "email",
		}
		d.HandleFrame(encodeFrame(t, msg))
	}

	claim(0)
	require.Equal(t, 0, d.WorkOwner())
	require.Equal(t, mailbox.StepAwaitingChoice, d.mailbox.Step())
	text, ok := tr.lastTTS()
	require.True(t, ok)
	require.Contains(t, text, "2 unread emails")

	claim(1)
	require.Equal(t, 0, d.WorkOwner())
	require.Equal(t, mailbox.StepAwaitingChoice, d.mailbox.Step())

	d.handleReset()
}

func TestEmptyBucketShortcutReadsStraightThrough(t *testing.T) {
	factory := newScriptedFactory()
	d, tr := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	// Everything urgent: no choice to make, read-back starts immediately
	// with the empty bucket's notice.
	add := func(sender string) {
		msg := wire.Message{
			Name: wire.NameEmailAdd, Type: wire.TypeStructSignal,
			Fields: []wire.Field{
				{Name: "sender_name", Value: sender},
				{Name: "object", Value: "subject"},
				{Name: "content", Value: "body"},
				{Name: "kind", Value: "urgent"},
			},
		}
		d.HandleFrame(encodeFrame(t, msg))
	}
	add("A")
	add("B")

	finished := wire.Message{Name: wire.NameMailEnd, Type: wire.TypeVoidSignal}
	d.HandleFrame(encodeFrame(t, finished))
	require.Eventually(t, func() bool {
		return d.mailbox.Step() == mailbox.StepReady
	}, waitFor, tick)

	claim := wire.Message{
		Name: wire.NameAgentFeature, Type: wire.TypeSimpleSignal, Value: "email",
	}
	d.HandleFrame(encodeFrame(t, claim))

	// The claim itself jumps to Reading and delivers the first chunk, the
	// empty bucket's notice.
	require.Equal(t, mailbox.StepReading, d.mailbox.Step())
	require.True(t, d.mailbox.HasPending())
	text, ok := tr.lastTTS()
	require.True(t, ok)
	require.Equal(t, "You do not have less urgent emails", text)

	// The next chunk is driven by the tts_completed resume path.
	tts := wire.Message{Name: wire.NameTTSCompleted, Type: wire.TypeVoidSignal}
	d.HandleFrame(encodeFrame(t, tts))
	require.Eventually(t, func() bool {
		text, ok := tr.lastTTS()
		return ok && text == "urgent emails:"
	}, waitFor, tick)

	// Read-back chunks accumulate in the dialog context; the parked-loop
	// restart preserves it.
	require.Eventually(t, func() bool {
		for _, u := range sess.Utterances() {
			if u == "urgent emails:" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	d.handleReset()
}

func TestReadBackAdvanceAndFinish(t *testing.T) {
	// Two listen attempts scripted: "next" skips ahead, "stop" ends it.
	factory := newScriptedFactory([]string{"next"}, []string{"stop"})
	d, tr := newTestDispatcher(t, factory)
	sess := addInstance(t, d, 0, "zone_front_left")

	d.mailbox.AddEmail("A", "S1", "B1", "normal")
	d.mailbox.AddEmail("B", "S2", "B2", "normal")
	d.mailbox.Classify()
	d.mailbox.BuildReport(urgency.NotUrgent)
	d.mailbox.SetStep(mailbox.StepReading)
	d.setFeature(wire.FeatureWork)
	d.setWorkOwner(0)

	go func() { _ = sess.Chat(true) }()

	// First iteration delivers the label chunk, then listens and hears
	// "next", arming the advance prefix for the following chunk.
	require.Eventually(t, func() bool {
		text, ok := tr.lastTTS()
		return ok && text == "less urgent emails:"
	}, waitFor, tick)
	require.Eventually(t, d.mailbox.AdvanceArmed, waitFor, tick)

	tts := wire.Message{Name: wire.NameTTSCompleted, Type: wire.TypeVoidSignal}
	d.HandleFrame(encodeFrame(t, tts))
	require.Eventually(t, func() bool {
		text, ok := tr.lastTTS()
		return ok && text == "Next email: From: A\nSummary of the email with subject: S1, from A is: B1..."
	}, waitFor, tick)

	// "stop" hands the feature back to dialog and idles the session.
	require.Eventually(t, func() bool {
		return d.Feature() == wire.FeatureDialog && !sess.ChatEnabled()
	}, waitFor, tick)
	require.Equal(t, noOwner, d.WorkOwner())
	require.Equal(t, mailbox.StepReady, d.mailbox.Step())
}

func TestResetTotality(t *testing.T) {
	factory := newScriptedFactory()
	d, tr := newTestDispatcher(t, factory)
	sess0 := addInstance(t, d, 0, "zone_front_left")
	sess1 := addInstance(t, d, 1, "zone_front_right")

	go func() { _ = sess0.Chat(true) }()
	require.Eventually(t, sess0.ChatEnabled, waitFor, tick)

	d.HandleFrame(encodeFrame(t, wire.Message{
		Name: wire.NameUserDetected, Type: wire.TypeStructSignal,
		Fields: []wire.Field{{Name: "user_name", Value: "kati"}},
	}))
	d.mailbox.AddEmail("A", "S", "B", "urgent")
	d.mailbox.Classify()
	d.setFeature(wire.FeatureWork)
	d.setWorkOwner(0)

	reset := wire.Message{Name: wire.NameReset, Type: wire.TypeVoidSignal}
	d.HandleFrame(encodeFrame(t, reset))

	require.False(t, sess0.ChatEnabled())
	require.Equal(t, wire.StateIdle, sess0.State())
	require.Equal(t, wire.StateIdle, sess1.State())
	require.Equal(t, mailbox.StepDisabled, d.mailbox.Step())
	require.Equal(t, noOwner, d.WorkOwner())
	require.Equal(t, wire.FeatureDialog, d.Feature())

	d.mu.Lock()
	users := len(d.users)
	d.mu.Unlock()
	require.Zero(t, users)

	var dialogBroadcast bool
	for _, m := range tr.messages() {
		if m.Name == wire.NameAgentFeature &&
			m.Value == string(wire.FeatureDialog) &&
			m.Instance == wire.BroadcastInstance {
			dialogBroadcast = true
		}
	}
	require.True(t, dialogBroadcast)
}

func TestInstanceRemoveDropsSession(t *testing.T) {
	d, _ := newTestDispatcher(t, newScriptedFactory())
	addInstance(t, d, 3, "zone_rear_left")

	remove := wire.Message{Name: "zone_rear_left", Type: wire.NameInstanceRemove, Instance: 3}
	d.HandleFrame(encodeFrame(t, remove))
	require.Nil(t, d.Session(3))
}
