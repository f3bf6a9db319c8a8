// Package config loads the perch settings file. Parsing lives here so the
// coordinators take a plain Settings value and never touch the file format.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is everything the runtime needs to start.
type Settings struct {
	// Adapter is the agent subprocess command.
	Adapter AdapterSettings `mapstructure:"adapter"`

	// Bridge configures the remote channel surface (serve mode).
	Bridge BridgeSettings `mapstructure:"bridge"`

	// Log controls the structured record sink.
	Log LogSettings `mapstructure:"log"`
}

type AdapterSettings struct {
	Binary        string        `mapstructure:"binary"`
	Args          []string      `mapstructure:"args"`
	Provider      string        `mapstructure:"provider"`
	CWD           string        `mapstructure:"cwd"`
	MethodTimeout time.Duration `mapstructure:"method_timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	VisibleFields []string      `mapstructure:"visible_fields"`
}

type BridgeSettings struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	Token        string `mapstructure:"token"`
	BoundContact string `mapstructure:"bound_contact"`
	AckText      string `mapstructure:"ack_text"`
	QueueSize    int    `mapstructure:"queue_size"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads perch.yaml from path (or the working directory and $HOME when
// path is empty). A missing file yields defaults; a malformed file is an
// error.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("perch")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetDefault("adapter.binary", "claude-code-acp")
	v.SetDefault("adapter.method_timeout", 30*time.Second)
	v.SetDefault("adapter.grace_period", 5*time.Second)
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8632")
	v.SetDefault("bridge.queue_size", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode: %w", err)
	}
	return s, nil
}
