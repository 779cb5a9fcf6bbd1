package computepool

import "github.com/httprunner/ComputePool/pkg/storage"

// Environment variables read by ConfigFromEnv. A .env file found in the
// working directory or one of its parents is loaded first.
const (
	// EnvServerAddr is the listen address of the websocket/REST server.
	EnvServerAddr = "POOL_SERVER_ADDR"

	EnvHealthSweepInterval = "HEALTH_SWEEP_INTERVAL"
	EnvHealthTimeout       = "HEALTH_TIMEOUT"

	// EnvSessionOutboxSize bounds the per-connection outbound queue.
	EnvSessionOutboxSize = "SESSION_OUTBOX_SIZE"

	EnvRelayRatePerSec = "RELAY_RATE_PER_SEC"
	EnvRelayBurst      = "RELAY_BURST"

	// EnvICEServers is a comma separated list of stun:/turn: urls.
	EnvICEServers     = "ICE_SERVERS"
	EnvTURNUsername   = "TURN_USERNAME"
	EnvTURNCredential = "TURN_CREDENTIAL"

	EnvPoolDefaultMaxDevices = "POOL_DEFAULT_MAX_DEVICES"
	EnvPoolDefaultMinDevices = "POOL_DEFAULT_MIN_DEVICES"
	EnvPoolDefaultTaskTypes  = "POOL_DEFAULT_TASK_TYPES"
	EnvPoolDefaultConsensus  = "POOL_DEFAULT_CONSENSUS"

	EnvTaskAssignLimit  = "TASK_ASSIGN_LIMIT"
	EnvTaskAssignWindow = "TASK_ASSIGN_WINDOW"

	// EnvJournalDBPath enables the SQLite event journal when set.
	EnvJournalDBPath = storage.EnvJournalDBPath
	// EnvJournalDisabled turns the journal off even when a path is set.
	EnvJournalDisabled = "POOL_JOURNAL_DISABLED"

	// EnvHostID overrides the detected machine id on journal rows and /health.
	EnvHostID = "POOL_HOST_ID"
)

const (
	DefaultServerAddr = ":3001"
	DefaultOutboxSize = 256

	// Error codes carried in acks and error events.
	CodePoolFull            = "PoolFull"
	CodePoolNotFound        = "PoolNotFound"
	CodePoolNotJoinable     = "PoolNotJoinable"
	CodeInvalidCapabilities = "InvalidCapabilities"
	CodePeerUnreachable     = "PeerUnreachable"
	CodeConnectionTimeout   = "ConnectionTimeout"
	CodeRateLimited         = "RateLimited"
	CodeInvalidSignal       = "InvalidSignal"
	CodeRequirementsNotMet  = "RequirementsNotMet"
	CodeAssignmentThrottled = "AssignmentThrottled"
	CodeInvalidTask         = "InvalidTask"
	CodeTaskNotFound        = "TaskNotFound"
	CodeNotValidator        = "NotValidator"
	CodeDeviceNotFound      = "DeviceNotFound"
	CodeNotRegistered       = "NotRegistered"
	CodeBadRequest          = "BadRequest"
	CodeUnknownEvent        = "UnknownEvent"
	CodeInternal            = "Internal"
)
