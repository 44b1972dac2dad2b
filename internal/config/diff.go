package config

import "reflect"

// ConfigDiff describes what changed between two configs, split into changes
// that hot-apply and changes that need a restart.
type ConfigDiff struct {
	// LogLevelChanged is hot-applied through the root logger's LevelVar.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RecallChanged is hot-applied through Recaller.Tune.
	RecallChanged bool
	NewRecall     RecallConfig

	// RestartRequired lists config sections that changed but are wired at
	// startup: provider clients, store pool, queue backend, worker pool.
	RestartRequired []string
}

// Empty reports whether no changes were detected.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RecallChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Recall != new.Recall {
		d.RecallChanged = true
		d.NewRecall = new.Recall
	}

	if old.Server.OpsAddr != new.Server.OpsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.ops_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Extraction != new.Extraction {
		d.RestartRequired = append(d.RestartRequired, "extraction")
	}

	return d
}
