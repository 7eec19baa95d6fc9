package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// Config is the connector node configuration.
type Config struct {
	Connector    ConnectorConfig
	Store        StoreConfig
	HarmonyDB    HarmonyDB
	StateMachine StateMachineConfig
	Retry        RetryConfig
	Dispatch     DispatchConfig
	Journal      JournalConfig
	Metrics      MetricsConfig
	Logging      Logging
}

type ConnectorConfig struct {
	// ParticipantID identifies this connector towards counter-parties.
	ParticipantID string

	// LeaseHolder is written into every lease this process acquires. Blank
	// defaults to "<hostname>-<pid>"; it must be unique across processes
	// sharing one database.
	LeaseHolder string

	// ProtocolAddress is the public URL counter-parties send messages to.
	ProtocolAddress string

	// ListenAddress of the protocol endpoint.
	ListenAddress string
}

type StoreConfig struct {
	// Backend selects the entity store: "memory", "leveldb" or "postgres".
	Backend string

	// Path is the LevelDB directory for the "leveldb" backend.
	Path string

	// LeaseDuration is how long a lease taken by NextForState or Save stays
	// valid. An expired lease is treated as no lease at all.
	LeaseDuration Duration
}

type HarmonyDB struct {
	// HOSTS is a list of hostnames to nodes running Postgres or YugabyteDB.
	// Only 1 is required
	Hosts []string

	// The database username. Blank for default.
	Username string

	// The password for the related username. Blank for default.
	Password string

	// The database (logical partition). Blank for default.
	Database string

	// The port to find the database. Blank for default.
	Port string
}

type StateMachineConfig struct {
	Negotiation ManagerConfig
	Transfer    ManagerConfig
}

type ManagerConfig struct {
	// BatchSize is the maximum number of entities leased per state per poll.
	BatchSize int

	// PollInterval is the delay between two polls while work is found.
	PollInterval Duration

	// IdleMaxInterval caps the delay between polls when no work is found.
	IdleMaxInterval Duration

	// Workers bounds how many entities are processed in parallel.
	Workers int
}

type RetryConfig struct {
	// Limit is the maximum number of attempts made in one state before an
	// entity is moved to its terminal failure state.
	Limit int

	// Strategy is one of "exponential", "constant" or "none".
	Strategy string

	// Min is the first retry delay for the exponential strategy and the
	// fixed delay for the constant one.
	Min Duration

	// Max caps exponential retry delays.
	Max Duration

	// Factor is the exponential growth factor.
	Factor float64

	// Jitter randomizes exponential delays.
	Jitter bool
}

type DispatchConfig struct {
	// RequestTimeout bounds a single remote message delivery.
	RequestTimeout Duration

	// RatePerSecond limits outgoing messages; 0 disables limiting.
	RatePerSecond float64

	// Attempts is how many times a transport error is retried inline before
	// the failure is handed back to the state machine.
	Attempts int

	// AuthToken is the bearer token exchanged with counter-parties. Blank
	// disables authentication.
	AuthToken string
}

type JournalConfig struct {
	// Path of the journal directory root, blank disables the journal.
	Path string

	// Events to disable, in "system:event" form.
	DisabledEvents []string

	// MaxFileSize in bytes after which the journal file is rolled.
	MaxFileSize int64

	// MaxBackups is how many rolled journal files are kept.
	MaxBackups int
}

type MetricsConfig struct {
	// ListenAddress of the metrics and health HTTP endpoint. Blank disables it.
	ListenAddress string
}

// Logging is the logging system config
type Logging struct {
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}
