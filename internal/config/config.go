// Package config loads the service configuration once at startup.
// Values come from config.yaml (optional) and CUSTOMGAME_* environment
// variables; the resulting struct is immutable and passed by value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PrivilegedVoter is a player whose link vote carries extra weight.
type PrivilegedVoter struct {
	SummonerName string `mapstructure:"summonerName" json:"summonerName"`
	Weight       int    `mapstructure:"weight" json:"weight"`
}

type Config struct {
	Bind        string `mapstructure:"bind"`
	Port        int    `mapstructure:"port"`
	BearerToken string `mapstructure:"bearer-token"`

	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`

	DatabasePath string `mapstructure:"database-path"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	Queue struct {
		MatchSize      int     `mapstructure:"match-size"`
		MaxMMRDelta    float64 `mapstructure:"max-mmr-delta"`
		WeightAutofill float64 `mapstructure:"weight-autofill"`
		WeightPrimary  float64 `mapstructure:"weight-primary"`
		WeightMMR      float64 `mapstructure:"weight-mmr"`
	} `mapstructure:"queue"`

	Acceptance struct {
		TimeoutSeconds int `mapstructure:"timeout-seconds"`
	} `mapstructure:"acceptance"`

	Draft struct {
		ActionTimeoutSeconds int  `mapstructure:"action-timeout-seconds"`
		ConfirmationRequired bool `mapstructure:"confirmation-required"`
	} `mapstructure:"draft"`

	GameMonitor struct {
		PollIntervalSeconds     int `mapstructure:"poll-interval-seconds"`
		InactivityCancelSeconds int `mapstructure:"inactivity-cancel-seconds"`
	} `mapstructure:"game-monitor"`

	LinkVote struct {
		Quorum int `mapstructure:"quorum"`
	} `mapstructure:"link-vote"`

	Ownership struct {
		HeartbeatSeconds   int `mapstructure:"heartbeat-seconds"`
		StaleCutoffSeconds int `mapstructure:"stale-cutoff-seconds"`
	} `mapstructure:"ownership"`

	Rating struct {
		WinDelta  int `mapstructure:"win-delta"`
		LossDelta int `mapstructure:"loss-delta"`
	} `mapstructure:"rating"`

	PrivilegedVoters []PrivilegedVoter `mapstructure:"privileged-voters"`
}

func (c Config) AcceptanceTimeout() time.Duration {
	return time.Duration(c.Acceptance.TimeoutSeconds) * time.Second
}

func (c Config) DraftActionTimeout() time.Duration {
	return time.Duration(c.Draft.ActionTimeoutSeconds) * time.Second
}

func (c Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.GameMonitor.PollIntervalSeconds) * time.Second
}

func (c Config) MonitorInactivityCancel() time.Duration {
	return time.Duration(c.GameMonitor.InactivityCancelSeconds) * time.Second
}

func (c Config) OwnershipHeartbeat() time.Duration {
	return time.Duration(c.Ownership.HeartbeatSeconds) * time.Second
}

func (c Config) OwnershipStaleCutoff() time.Duration {
	return time.Duration(c.Ownership.StaleCutoffSeconds) * time.Second
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.Queue.MatchSize != 10 && c.Queue.MatchSize%2 != 0 {
		return fmt.Errorf("queue.match-size must be even, got %d", c.Queue.MatchSize)
	}
	if c.LinkVote.Quorum < 1 {
		return fmt.Errorf("link-vote.quorum must be >= 1, got %d", c.LinkVote.Quorum)
	}
	for _, pv := range c.PrivilegedVoters {
		if pv.Weight < 1 {
			return fmt.Errorf("privileged voter %q has weight %d (must be >= 1)", pv.SummonerName, pv.Weight)
		}
	}
	return nil
}

// Load reads configuration from the given file (may be empty) and the
// environment, applying defaults for every key.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CUSTOMGAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("bearer-token", "")

	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("redis-password", "")
	v.SetDefault("redis-db", 0)

	v.SetDefault("database-path", "./data/matchmaking.db")

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")

	v.SetDefault("queue.match-size", 10)
	v.SetDefault("queue.max-mmr-delta", 200)
	v.SetDefault("queue.weight-autofill", 10.0)
	v.SetDefault("queue.weight-primary", 2.0)
	v.SetDefault("queue.weight-mmr", 1.0)

	v.SetDefault("acceptance.timeout-seconds", 30)

	v.SetDefault("draft.action-timeout-seconds", 30)
	v.SetDefault("draft.confirmation-required", true)

	v.SetDefault("game-monitor.poll-interval-seconds", 5)
	v.SetDefault("game-monitor.inactivity-cancel-seconds", 300)

	v.SetDefault("link-vote.quorum", 6)

	v.SetDefault("ownership.heartbeat-seconds", 10)
	v.SetDefault("ownership.stale-cutoff-seconds", 30)

	v.SetDefault("rating.win-delta", 20)
	v.SetDefault("rating.loss-delta", 18)
}
