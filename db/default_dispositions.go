package db

// Well-known disposition UUIDs seeded by the migration.
// Code and tests reference these instead of looking rows up by name.
const (
	// DispositionEscalationRequired flags calls mentioning a supervisor or complaint
	DispositionEscalationRequired = "10000000-0000-0000-0000-000000000001"

	// DispositionResolved is the happy-path outcome for satisfied callers
	DispositionResolved = "10000000-0000-0000-0000-000000000002"

	// DispositionFollowUpRequired marks calls that promised a call back
	DispositionFollowUpRequired = "10000000-0000-0000-0000-000000000003"

	// DispositionNoResolution is manual-only
	DispositionNoResolution = "10000000-0000-0000-0000-000000000004"

	// DispositionVoicemail is manual-only
	DispositionVoicemail = "10000000-0000-0000-0000-000000000005"
)
