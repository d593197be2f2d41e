package wire

// Message names consumed from the ECU.
const (
	NameInstanceAdd    = "instance_add"
	NameInstanceRemove = "instance_remove"
	NameConfiguration  = "configuration"
	NameUserDetected   = "service_user_detected"
	NameUsersSet       = "service_users_set"
	NameEnableListener = "service_enable_listener"
	NameReset          = "service_reset"
	NameMailStart      = "service_predefined_mail_transaction_start"
	NameMailEnd        = "service_predefined_mail_transaction_finished"
	NameEmailAdd       = "service_add_email"
	NameNextEmail      = "service_next_email"
	NameSummarizeEmail = "service_summarize_email"
	NameAgentFeature   = "service_agent_feature"
	NameTTSCompleted   = "service_tts_completed"
)

// Message names produced for the ECU.
const (
	NameDeviceReady  = "service_device_is_ready"
	NameDialogState  = "service_dialog_state"
	NameLog          = "service_log"
	NameTTSText      = "service_tts_text"
	NameTTSInterrupt = "service_tts_interrupt"
)

// Record type tags.
const (
	TypeSimpleSignal = "object_simple_signal"
	TypeStructSignal = "object_struct_signal"
	TypeVoidSignal   = "object_void_signal"
)

// DialogState is a session's externally visible dialog state.
type DialogState string

const (
	StateIdle               DialogState = "idle"
	StateListening          DialogState = "listening"
	StateProcessing         DialogState = "processing"
	StateResponding         DialogState = "responding"
	StateProcessInterrupted DialogState = "process_interrupted"
)

// Valid reports whether s is a member of the fixed dialog state set.
func (s DialogState) Valid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateResponding, StateProcessInterrupted:
		return true
	}
	return false
}

// AgentFeature selects which response strategy a session's chat loop uses.
// The wire values come from the ECU vocabulary: "email" is the work feature
// and "avatar" is the game feature.
type AgentFeature string

const (
	FeatureDialog      AgentFeature = "dialog"
	FeatureWork        AgentFeature = "email"
	FeatureGame        AgentFeature = "avatar"
	FeatureExploration AgentFeature = "exploration"
)

// LogLevel tags outbound service_log notifications.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// BroadcastInstance addresses a message to every instance slot.
const BroadcastInstance = -1

// DefaultApology replaces empty text before synthesis.
const DefaultApology = "Sorry, I couldn't understand that. Please try again."

// DialogStateMessage builds a dialog state notification for an instance.
func DialogStateMessage(state DialogState, instance int) Message {
	return Message{
		Name:     NameDialogState,
		Type:     TypeSimpleSignal,
		Instance: instance,
		Value:    string(state),
	}
}

// LogMessage builds an informational log notification.
func LogMessage(text string, level LogLevel, instance int) Message {
	return Message{
		Name:     NameLog,
		Type:     TypeStructSignal,
		Instance: instance,
		Fields: []Field{
			{Name: "log_level", Value: string(level)},
			{Name: "message", Value: text},
		},
	}
}

// TTSMessage builds a synthesis request. Empty text is replaced with the
// default apology so the ECU always has something to speak.
func TTSMessage(text string, instance int) Message {
	if text == "" {
		text = DefaultApology
	}
	return Message{
		Name:     NameTTSText,
		Type:     TypeStructSignal,
		Instance: instance,
		Fields: []Field{
			{Name: "text", Value: text},
			{Name: "intonation", Value: "neutral"},
		},
	}
}

// FeatureMessage builds an agent feature notification.
func FeatureMessage(feature AgentFeature, instance int) Message {
	return Message{
		Name:     NameAgentFeature,
		Type:     TypeSimpleSignal,
		Instance: instance,
		Value:    string(feature),
	}
}

// ReadyMessage announces that an instance finished initialization.
func ReadyMessage(instance int) Message {
	return Message{
		Name:     NameDeviceReady,
		Type:     TypeVoidSignal,
		Instance: instance,
	}
}
