// Package agent implements the cabin side of the ECU bus: a dispatcher that
// owns the connection and routes bus events, and per-instance sessions that
// run the dialog state machine and chat loops.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/bhandras/cabin/internal/config"
	"github.com/bhandras/cabin/internal/input"
	"github.com/bhandras/cabin/internal/mailbox"
	"github.com/bhandras/cabin/internal/transport"
	"github.com/bhandras/cabin/internal/urgency"
	"github.com/bhandras/cabin/internal/wire"
	"github.com/bhandras/cabin/pkg/logger"
)

// noOwner marks the shared email workflow as unclaimed.
const noOwner = -1

// Dispatcher owns the bus connection and the session table. All inbound
// frames funnel through HandleFrame; all outbound messages go through send.
type Dispatcher struct {
	transport transport.Transport
	mailbox   *mailbox.Manager
	newSource input.Factory

	reconnectMin time.Duration
	reconnectMax time.Duration
	debug        bool

	// Loop timing, shortened by tests.
	pollInterval time.Duration
	settleDelay  time.Duration

	mu            sync.Mutex
	sessions      map[int]*Session
	users         map[int]map[string]string
	instance2zone map[int]string
	zone2card     map[string]string
	card2instance map[string]int
	instance2card map[int]string
	feature       wire.AgentFeature
	workOwner     int
}

// New creates a dispatcher over the given transport. The input factory is
// consulted once per listen attempt.
func New(cfg *config.Config, tr transport.Transport, factory input.Factory) *Dispatcher {
	return &Dispatcher{
		transport:     tr,
		mailbox:       mailbox.New(),
		newSource:     factory,
		reconnectMin:  cfg.ReconnectMin,
		reconnectMax:  cfg.ReconnectMax,
		debug:         cfg.Debug,
		pollInterval:  200 * time.Millisecond,
		settleDelay:   200 * time.Millisecond,
		sessions:      make(map[int]*Session),
		users:         make(map[int]map[string]string),
		instance2zone: make(map[int]string),
		zone2card:     make(map[string]string),
		card2instance: make(map[string]int),
		instance2card: make(map[int]string),
		workOwner:     noOwner,
	}
}

// Run connects to the bus and pumps frames until ctx is cancelled. The
// connection is retried forever with capped exponential backoff; every
// established connection gets the full open/close bracketing.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.debug {
		go d.dumpStates(ctx)
	}

	backoff := d.reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.transport.Connect(ctx); err != nil {
			logger.Warnf("dispatch: connect failed, retrying in %v: %v", backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.reconnectMax {
				backoff = d.reconnectMax
			}
			continue
		}
		backoff = d.reconnectMin

		d.onOpen()
		for {
			frame, err := d.transport.Receive()
			if err != nil {
				logger.Warnf("dispatch: receive: %v", err)
				break
			}
			d.HandleFrame(frame)
		}
		d.onClose()
	}
}

// onOpen re-announces every known instance and puts the bus back into the
// dialog feature.
func (d *Dispatcher) onOpen() {
	d.sendLog("Connection Opened", wire.LogInfo)
	for _, sess := range d.snapshotSessions() {
		sess.Attach()
	}
	d.sendFeature(wire.FeatureDialog, wire.BroadcastInstance)
}

// onClose tears down all conversational state. Nothing about a connection
// survives its loss.
func (d *Dispatcher) onClose() {
	d.resetSessions()
	d.mailbox.Reset()
	d.sendLog("Connection Closed", wire.LogWarning)
}

// HandleFrame decodes one inbound frame and routes it. Malformed frames are
// dropped with a log line; an unknown name is not an error.
func (d *Dispatcher) HandleFrame(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		logger.Warnf("dispatch: dropping frame: %v", err)
		return
	}
	logger.Debugf("dispatch: received %s (instance %d)", msg.Name, msg.Instance)

	// Instance announcements carry the zone name in the name slot and the
	// discriminator in the type slot.
	if msg.Type == wire.NameInstanceAdd {
		d.handleInstanceAdd(msg)
		return
	}
	if msg.Type == wire.NameInstanceRemove {
		d.handleInstanceRemove(msg)
		return
	}

	switch msg.Name {
	case wire.NameEnableListener:
		d.handleEnableListener(msg)
	case wire.NameUserDetected:
		d.handleUserDetected(msg)
	case wire.NameMailStart:
		// Reserved framing around an ingestion burst.
	case wire.NameMailEnd:
		d.handleMailEnd()
	case wire.NameEmailAdd:
		d.handleEmailAdd(msg)
	case wire.NameNextEmail:
		d.mailbox.SetAdvance()
	case wire.NameTTSCompleted:
		d.handleTTSCompleted(msg)
	case wire.NameAgentFeature:
		d.handleAgentFeature(msg)
	case wire.NameReset:
		d.handleReset()
	default:
		logger.Debugf("dispatch: ignoring %s", msg.Name)
	}
}

func (d *Dispatcher) handleInstanceAdd(msg wire.Message) {
	instance := d.normalizeInstance(msg.Instance)
	zone := msg.Name

	d.mu.Lock()
	sess, ok := d.sessions[instance]
	if !ok {
		sess = newSession(instance, d)
		d.sessions[instance] = sess
	}
	d.instance2zone[instance] = zone
	if card, ok := d.zone2card[zone]; ok {
		d.card2instance[card] = instance
		d.instance2card[instance] = card
	}
	d.mu.Unlock()

	logger.Infof("dispatch: instance %d added for zone %q", instance, zone)
	sess.Attach()
}

func (d *Dispatcher) handleInstanceRemove(msg wire.Message) {
	instance := d.normalizeInstance(msg.Instance)
	sess := d.Session(instance)
	if sess == nil {
		return
	}
	sess.Interrupt()

	d.mu.Lock()
	delete(d.sessions, instance)
	delete(d.users, instance)
	delete(d.instance2zone, instance)
	if card, ok := d.instance2card[instance]; ok {
		delete(d.card2instance, card)
		delete(d.instance2card, instance)
	}
	if d.workOwner == instance {
		d.workOwner = noOwner
	}
	d.mu.Unlock()
	logger.Infof("dispatch: instance %d removed", instance)
}

func (d *Dispatcher) handleEnableListener(msg wire.Message) {
	sess := d.Session(msg.Instance)
	if sess == nil {
		logger.Warnf("dispatch: enable_listener for unknown instance %d", msg.Instance)
		return
	}

	// A fresh press always cancels whatever was running first.
	sess.Interrupt()
	if msg.Value != "true" {
		return
	}
	go func() {
		time.Sleep(d.settleDelay)
		d.startChat(sess, true)
	}()
}

func (d *Dispatcher) handleUserDetected(msg wire.Message) {
	profile := msg.FieldMap()
	d.mu.Lock()
	d.users[msg.Instance] = profile
	d.mu.Unlock()
	logger.Infof("dispatch: user detected on instance %d: %v", msg.Instance, profile)
}

// handleMailEnd runs the classification pass detached. Classify is the only
// arming point for the workflow: a Work claim racing the pass is rejected as
// not-ready instead of reading an empty mailbox.
func (d *Dispatcher) handleMailEnd() {
	logger.Infof("dispatch: mail transaction finished")
	go d.mailbox.Classify()
}

func (d *Dispatcher) handleEmailAdd(msg wire.Message) {
	fields := msg.FieldMap()
	d.mailbox.AddEmail(
		fields["sender_name"], fields["object"], fields["content"], fields["kind"],
	)
}

func (d *Dispatcher) handleTTSCompleted(msg wire.Message) {
	sess := d.Session(msg.Instance)
	if sess == nil {
		return
	}
	sess.SetTTSCompleted(true)

	// Mid read-back the loop parked itself after delivering a chunk; a
	// completion restarts it for the next one.
	if d.mailbox.Step() == mailbox.StepReading && d.Feature() == wire.FeatureWork {
		sess.Disable(false)
		go func() {
			time.Sleep(d.settleDelay)
			d.startChat(sess, true)
		}()
	}
}

func (d *Dispatcher) handleAgentFeature(msg wire.Message) {
	feature := wire.AgentFeature(msg.Value)
	logger.Infof("dispatch: agent feature %q requested for instance %d", feature, msg.Instance)

	// The global feature is stored regardless of whether the workflow can
	// actually start; only driving the workflow has preconditions.
	d.setFeature(feature)

	if feature != wire.FeatureWork {
		d.mailbox.ResetStepIfEnabled()
		d.setWorkOwner(noOwner)
		return
	}

	instance := d.normalizeInstance(msg.Instance)
	if owner := d.WorkOwner(); owner != noOwner && owner != instance {
		logger.Errorf("dispatch: email workflow already owned by instance %d", owner)
		d.sendLog("Email Workflow is already in progress", wire.LogError)
		return
	}
	if step := d.mailbox.Step(); step != mailbox.StepReady {
		logger.Errorf("dispatch: email workflow not ready (step %d)", step)
		d.sendLog("Email Workflow is not ready with processed emails", wire.LogError)
		return
	}

	d.setWorkOwner(instance)
	d.execWorkflow(instance, mailbox.StepReady, "")
}

func (d *Dispatcher) handleReset() {
	logger.Warnf("dispatch: reset requested")
	d.resetSessions()
	d.mailbox.Reset()
	d.sendFeature(wire.FeatureDialog, wire.BroadcastInstance)
}

// resetSessions interrupts every session and forgets all user profiles and
// workflow ownership.
func (d *Dispatcher) resetSessions() {
	for _, sess := range d.snapshotSessions() {
		logger.Warnf("dispatch: interrupting instance %d", sess.instanceID)
		sess.Interrupt()
	}
	d.mu.Lock()
	d.users = make(map[int]map[string]string)
	d.workOwner = noOwner
	d.mu.Unlock()
}

// execWorkflow advances the shared email workflow for one instance and
// returns the utterance it produced, if any.
//
// Step Ready composes the resume prompt, or skips straight to read-back when
// one bucket is empty (the empty bucket's notice leads). Step AwaitingChoice
// classifies the user's bucket choice. Step Reading delivers one chunk and
// finishes the workflow on the terminal one.
func (d *Dispatcher) execWorkflow(instanceID int, step mailbox.Step, userInput string) string {
	logger.Infof("dispatch: executing workflow step %d for instance %d", step, instanceID)

	if step == mailbox.StepReady {
		urgentN, notUrgentN := d.mailbox.Counts()
		switch {
		case urgentN == 0:
			d.mailbox.BuildReport(urgency.Urgent)
			d.mailbox.SetStep(mailbox.StepReading)
			step = mailbox.StepReading
		case notUrgentN == 0:
			d.mailbox.BuildReport(urgency.NotUrgent)
			d.mailbox.SetStep(mailbox.StepReading)
			step = mailbox.StepReading
		default:
			msg := d.mailbox.ComposeResume()
			d.sendText(msg, instanceID)
			d.mailbox.SetStep(mailbox.StepAwaitingChoice)
			if sess := d.Session(instanceID); sess != nil && !sess.ChatEnabled() {
				d.startChatDetached(sess, false)
			}
			return msg
		}
	}

	if step == mailbox.StepAwaitingChoice {
		class := urgency.Classify(userInput)
		advanced := d.mailbox.BuildReport(class)
		msg, _ := d.mailbox.PopPending()
		d.sendText(msg, instanceID)
		if advanced {
			d.mailbox.SetStep(mailbox.StepReading)
		}
		return msg
	}

	if step == mailbox.StepReading {
		if !d.mailbox.HasPending() {
			return ""
		}
		msg, done := d.mailbox.PopPending()
		d.sendText(msg, instanceID)
		if done {
			logger.Infof("dispatch: finishing email workflow")
			d.mailbox.SetStep(mailbox.StepReady)
			d.setWorkOwner(noOwner)
		}
		return msg
	}

	return ""
}

// startChat runs a session's chat loop in the calling goroutine; an already
// running loop is a logged upstream error.
func (d *Dispatcher) startChat(sess *Session, instant bool) {
	if err := sess.Chat(instant); err != nil {
		logger.Errorf("dispatch: chat for instance %d: %v", sess.instanceID, err)
	}
}

func (d *Dispatcher) startChatDetached(sess *Session, instant bool) {
	go d.startChat(sess, instant)
}

// Session returns the session bound to an instance, or nil.
func (d *Dispatcher) Session(instance int) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[d.normalizeInstance(instance)]
}

// Feature returns the currently active agent feature.
func (d *Dispatcher) Feature() wire.AgentFeature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feature
}

func (d *Dispatcher) setFeature(f wire.AgentFeature) {
	d.mu.Lock()
	d.feature = f
	d.mu.Unlock()
}

// WorkOwner returns the instance currently driving the email workflow, or
// noOwner.
func (d *Dispatcher) WorkOwner() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workOwner
}

func (d *Dispatcher) setWorkOwner(instance int) {
	d.mu.Lock()
	d.workOwner = instance
	d.mu.Unlock()
}

// normalizeInstance maps the broadcast slot onto the first instance so
// broadcast-addressed control frames still land somewhere.
func (d *Dispatcher) normalizeInstance(instance int) int {
	if instance < 0 {
		return 0
	}
	return instance
}

func (d *Dispatcher) snapshotSessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// send encodes and writes one outbound message. Losing the connection makes
// sends fail loudly in the log but never crashes a caller.
func (d *Dispatcher) send(msg wire.Message) {
	if !d.transport.Connected() {
		logger.Errorf("dispatch: cannot send %s: no connection", msg.Name)
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		logger.Errorf("dispatch: encode %s: %v", msg.Name, err)
		return
	}
	logger.Debugf("dispatch: sending %s (instance %d)", msg.Name, msg.Instance)
	if err := d.transport.Send(frame); err != nil {
		logger.Errorf("dispatch: send %s: %v", msg.Name, err)
	}
}

func (d *Dispatcher) sendDialogState(state wire.DialogState, instance int) {
	d.send(wire.DialogStateMessage(state, instance))
}

func (d *Dispatcher) sendLog(text string, level wire.LogLevel) {
	d.send(wire.LogMessage(text, level, wire.BroadcastInstance))
}

// sendText requests synthesis of an utterance. The owning session's
// ttsCompleted is cleared first so its loop parks until the bus confirms.
func (d *Dispatcher) sendText(text string, instance int) {
	if sess := d.Session(instance); sess != nil {
		sess.SetTTSCompleted(false)
	}
	d.send(wire.TTSMessage(text, instance))
}

// sendFeature announces a feature switch. Re-announcing the active feature
// is suppressed; switching away from work rewinds the workflow step.
func (d *Dispatcher) sendFeature(feature wire.AgentFeature, instance int) {
	if feature != wire.FeatureWork {
		d.mailbox.ResetStepIfEnabled()
		d.setWorkOwner(noOwner)
	}

	d.mu.Lock()
	if d.feature == feature {
		d.mu.Unlock()
		return
	}
	d.feature = feature
	d.mu.Unlock()

	d.send(wire.FeatureMessage(feature, instance))
}

func (d *Dispatcher) sendReady(instance int) {
	d.send(wire.ReadyMessage(instance))
}

// dumpStates periodically logs the conversational state of the whole cabin.
func (d *Dispatcher) dumpStates(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sess := range d.snapshotSessions() {
			logger.Debugf("state: instance %d state=%s chat=%t",
				sess.instanceID, sess.State(), sess.ChatEnabled())
		}
		logger.Debugf("state: feature=%s step=%d owner=%d",
			d.Feature(), d.mailbox.Step(), d.WorkOwner())
	}
}
