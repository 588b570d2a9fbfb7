package events

// Topic constants for payment session events.
const (
	TopicSessionStarted     = "payment.session_started"
	TopicTenderCaptured     = "payment.tender_captured"
	TopicSplitAdvanced      = "payment.split_advanced"
	TopicCaptureCancelled   = "payment.capture_cancelled"
	TopicSessionCompleted   = "payment.session_completed"
	TopicFinalizationFailed = "payment.finalization_failed"
	TopicSessionAbandoned   = "payment.session_abandoned"
	TopicSessionFaulted     = "payment.session_faulted"
)

// DefaultTopics returns every topic the controller emits.
func DefaultTopics() []string {
	return []string{
		TopicSessionStarted,
		TopicTenderCaptured,
		TopicSplitAdvanced,
		TopicCaptureCancelled,
		TopicSessionCompleted,
		TopicFinalizationFailed,
		TopicSessionAbandoned,
		TopicSessionFaulted,
	}
}
