package mqtt

// Bus topics published by the masterbox's local devices and services.
// The spellings are fixed by the device firmware and must not be "corrected".
const (
	// TopicDeviceData carries telemetry batches: a JSON array of records,
	// each with trialId, deviceId and subjectId.
	TopicDeviceData = "devdata-socket"

	// TopicTrialCompleted announces the end of a trial.
	TopicTrialCompleted = "trialCompleted"

	// TopicFileTransferred announces a completed file transfer.
	TopicFileTransferred = "fileTransfered"

	// TopicPrefixRelay is the base for topics owned by the relay itself.
	TopicPrefixRelay = "masterbox/relay"
)

// Topics provides builders for the relay's MQTT topics.
type Topics struct{}

// Consumed returns every bus topic the relay listens on, in subscription order.
func (Topics) Consumed() []string {
	return []string{TopicDeviceData, TopicTrialCompleted, TopicFileTransferred}
}

// RelayStatus returns the retained online/offline status topic for this relay.
//
// Example: masterbox/relay/status
func (Topics) RelayStatus() string {
	return TopicPrefixRelay + "/status"
}
