package config

import (
	"encoding"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// DefaultLeaseDuration is used when the store configuration leaves the lease
// duration unset.
const DefaultLeaseDuration = 60 * time.Second

func defManager() ManagerConfig {
	return ManagerConfig{
		BatchSize:       20,
		PollInterval:    Duration(time.Second),
		IdleMaxInterval: Duration(10 * time.Second),
		Workers:         4,
	}
}

// Default returns the default connector configuration.
func Default() *Config {
	return &Config{
		Connector: ConnectorConfig{
			ParticipantID:   "connector",
			ProtocolAddress: "http://127.0.0.1:8282/protocol",
			ListenAddress:   "127.0.0.1:8282",
		},
		Store: StoreConfig{
			Backend:       BackendMemory,
			Path:          "~/.connector/datastore",
			LeaseDuration: Duration(DefaultLeaseDuration),
		},
		HarmonyDB: HarmonyDB{
			Hosts:    []string{"127.0.0.1"},
			Username: "connector",
			Password: "connector",
			Database: "connector",
			Port:     "5432",
		},
		StateMachine: StateMachineConfig{
			Negotiation: defManager(),
			Transfer:    defManager(),
		},
		Retry: RetryConfig{
			Limit:    7,
			Strategy: "exponential",
			Min:      Duration(time.Second),
			Max:      Duration(5 * time.Minute),
			Factor:   2,
			Jitter:   false,
		},
		Dispatch: DispatchConfig{
			RequestTimeout: Duration(30 * time.Second),
			RatePerSecond:  50,
			Attempts:       3,
		},
		Journal: JournalConfig{
			Path:           "~/.connector",
			DisabledEvents: []string{"statemachine:delayed"},
			MaxFileSize:    1 << 30,
			MaxBackups:     3,
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9464",
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Decode lets envconfig parse durations the same way TOML does.
func (dur *Duration) Decode(value string) error {
	return dur.UnmarshalText([]byte(value))
}
