package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running session are tracked; any
// other change is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AttenuationChanged bool
	NewAttenuationDB   float32

	// RestartRequired lists the YAML sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs between the two configs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AttenuationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Filter.AttenuationLimitDB != new.Filter.AttenuationLimitDB {
		d.AttenuationChanged = true
		d.NewAttenuationDB = new.Filter.AttenuationLimitDB
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oldFilter, newFilter := old.Filter, new.Filter
	oldFilter.AttenuationLimitDB, newFilter.AttenuationLimitDB = 0, 0
	if oldFilter != newFilter {
		d.RestartRequired = append(d.RestartRequired, "filter")
	}
	return d
}
