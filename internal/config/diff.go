package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged reports a change to any conversation setting that
	// applies to the next turn without restart.
	ConversationChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, by their YAML path.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// VoiceID and the timeouts are read when a session opens its streams, so
	// they are hot-reloadable along with the texts.
	d.ConversationChanged = old.Conversation != new.Conversation

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("server.ping_interval", old.Server.PingInterval != new.Server.PingInterval)
	restart("server.write_timeout", old.Server.WriteTimeout != new.Server.WriteTimeout)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("providers.generation", !reflect.DeepEqual(old.Providers.Generation, new.Providers.Generation))
	restart("providers.synthesis", !reflect.DeepEqual(old.Providers.Synthesis, new.Providers.Synthesis))
	restart("resilience", old.Resilience != new.Resilience)

	return d
}
