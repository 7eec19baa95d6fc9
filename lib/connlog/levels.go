package connlog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels applies the default per-subsystem levels. GOLOG_LOG_LEVEL
// takes precedence when set.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("harmonydb", "WARN")
		_ = logging.SetLogLevel("httpdispatch", "WARN")
	}
}

// SetSubsystemLevels applies configured levels on top of the defaults.
func SetSubsystemLevels(levels map[string]string) error {
	for sys, lvl := range levels {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			return err
		}
	}
	return nil
}
