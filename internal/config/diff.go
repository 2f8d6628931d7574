package config

// ConfigDiff describes what changed between two configs. The log level can be
// applied to a running process; every other section is baked into the
// capture session and requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ListenAddrChanged means the HTTP server has to be rebound.
	ListenAddrChanged bool

	// Sections lists the changed sections that require a new capture
	// session, e.g. "source" or "detector".
	Sections []string
}

// RestartRequired reports whether the capture session must be rebuilt.
func (d ConfigDiff) RestartRequired() bool {
	return len(d.Sections) > 0
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ListenAddrChanged && len(d.Sections) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.ListenAddrChanged = true
	}

	sections := []struct {
		name    string
		changed bool
	}{
		{"source", old.Source != new.Source},
		{"detector", old.Detector != new.Detector},
		{"capture", old.Capture != new.Capture},
		{"analysis", old.Analysis != new.Analysis},
		{"persist", old.Persist != new.Persist},
		{"telemetry", old.Telemetry != new.Telemetry},
	}
	for _, s := range sections {
		if s.changed {
			d.Sections = append(d.Sections, s.name)
		}
	}
	return d
}
