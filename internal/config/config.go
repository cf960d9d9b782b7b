// Package config loads the process configuration from a YAML file with
// GAMBIT_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Roles a process can take in a session.
const (
	RoleLocalOnly    = "local-only"
	RoleHost         = "host"
	RoleRemoteClient = "remote-client"
)

// Player kinds.
const (
	KindInteractive = "interactive"
	KindAutomated   = "automated"
	KindRemote      = "remote"
)

// Config is the complete process configuration.
type Config struct {
	Role         string             `mapstructure:"role"`
	UI           UIConfig           `mapstructure:"ui"`
	Players      PlayersConfig      `mapstructure:"players"`
	TimeControl  TimeControlConfig  `mapstructure:"time_control"`
	Game         GameConfig         `mapstructure:"game"`
	Network      NetworkConfig      `mapstructure:"network"`
	Presentation PresentationConfig `mapstructure:"presentation"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Database     DatabaseConfig     `mapstructure:"database"`
}

// UIConfig selects the presentation bridge.
type UIConfig struct {
	Mode string `mapstructure:"mode"`
}

// PlayersConfig configures both seats.
type PlayersConfig struct {
	White PlayerConfig `mapstructure:"white"`
	Black PlayerConfig `mapstructure:"black"`
}

// PlayerConfig configures one seat. Selector and Script apply to automated
// players only.
type PlayerConfig struct {
	Kind      string        `mapstructure:"kind"`
	Selector  string        `mapstructure:"selector"`
	Script    string        `mapstructure:"script"`
	ThinkTime time.Duration `mapstructure:"think_time"`
}

// TimeControlConfig holds both clocks and the tick producer period.
type TimeControlConfig struct {
	White        SideClockConfig `mapstructure:"white"`
	Black        SideClockConfig `mapstructure:"black"`
	TickInterval time.Duration   `mapstructure:"tick_interval"`
}

// SideClockConfig is one side's time control. A zero Initial disables the clock.
type SideClockConfig struct {
	Initial   time.Duration `mapstructure:"initial"`
	Increment time.Duration `mapstructure:"increment"`
}

// GameConfig holds session parameters.
type GameConfig struct {
	StartFEN      string        `mapstructure:"start_fen"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	InboxCapacity int           `mapstructure:"inbox_capacity"`
}

// NetworkConfig configures the network bridge.
type NetworkConfig struct {
	ListenAddress     string        `mapstructure:"listen_address"`
	HostAddress       string        `mapstructure:"host_address"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
}

// PresentationConfig configures the graphical presentation RPC.
type PresentationConfig struct {
	GRPCAddress string `mapstructure:"grpc_address"`
}

// LoggingConfig configures the log sink.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	File      string `mapstructure:"file"`
	QueueSize int    `mapstructure:"queue_size"`
}

// ArchiveConfig configures the replay recorder. An empty Dir disables it.
type ArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig configures the Postgres game archive.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Load reads the configuration at path. An empty path loads defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GAMBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces without a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", RoleLocalOnly)
	v.SetDefault("ui.mode", "terminal")

	v.SetDefault("players.white.kind", KindInteractive)
	v.SetDefault("players.white.selector", "random")
	v.SetDefault("players.white.script", "")
	v.SetDefault("players.white.think_time", "0s")
	v.SetDefault("players.black.kind", KindAutomated)
	v.SetDefault("players.black.selector", "random")
	v.SetDefault("players.black.script", "")
	v.SetDefault("players.black.think_time", "500ms")

	v.SetDefault("time_control.white.initial", "10m")
	v.SetDefault("time_control.white.increment", "0s")
	v.SetDefault("time_control.black.initial", "10m")
	v.SetDefault("time_control.black.increment", "0s")
	v.SetDefault("time_control.tick_interval", "100ms")

	v.SetDefault("game.start_fen", "")
	v.SetDefault("game.grace_period", "30s")
	v.SetDefault("game.inbox_capacity", 64)

	v.SetDefault("network.listen_address", ":8765")
	v.SetDefault("network.host_address", "ws://localhost:8765/ws")
	v.SetDefault("network.reconnect_attempts", 5)
	v.SetDefault("network.reconnect_backoff", "1s")

	v.SetDefault("presentation.grpc_address", ":50051")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "gambit.log")
	v.SetDefault("logging.queue_size", 1024)

	v.SetDefault("archive.dir", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
}

// Validate checks value ranges and the cross-field rules between role and
// player kinds.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleLocalOnly, RoleHost, RoleRemoteClient:
	default:
		errs = append(errs, fmt.Errorf("role: unknown value %q", c.Role))
	}
	switch c.UI.Mode {
	case "terminal", "graphical":
	default:
		errs = append(errs, fmt.Errorf("ui.mode: unknown value %q", c.UI.Mode))
	}

	remotes, interactive := 0, 0
	for side, p := range map[string]PlayerConfig{"white": c.Players.White, "black": c.Players.Black} {
		switch p.Kind {
		case KindInteractive:
			interactive++
		case KindAutomated:
			switch p.Selector {
			case "random", "first-legal":
			case "lua":
				if p.Script == "" {
					errs = append(errs, fmt.Errorf("players.%s.script: required for the lua selector", side))
				}
			default:
				errs = append(errs, fmt.Errorf("players.%s.selector: unknown value %q", side, p.Selector))
			}
		case KindRemote:
			remotes++
		default:
			errs = append(errs, fmt.Errorf("players.%s.kind: unknown value %q", side, p.Kind))
		}
		if p.ThinkTime < 0 {
			errs = append(errs, fmt.Errorf("players.%s.think_time: must not be negative", side))
		}
	}
	switch {
	case c.Role == RoleLocalOnly && remotes != 0:
		errs = append(errs, errors.New("players: local-only sessions cannot seat a remote player"))
	case c.Role != RoleLocalOnly && remotes != 1:
		errs = append(errs, fmt.Errorf("players: role %s needs exactly one remote player", c.Role))
	}

	if interactive > 1 {
		errs = append(errs, errors.New("players: one process presents at most one interactive seat"))
	}

	for side, tc := range map[string]SideClockConfig{"white": c.TimeControl.White, "black": c.TimeControl.Black} {
		if tc.Initial < 0 || tc.Increment < 0 {
			errs = append(errs, fmt.Errorf("time_control.%s: durations must not be negative", side))
		}
	}
	if c.TimeControl.TickInterval <= 0 {
		errs = append(errs, errors.New("time_control.tick_interval: must be positive"))
	}
	if c.Game.GracePeriod < 0 {
		errs = append(errs, errors.New("game.grace_period: must not be negative"))
	}
	if c.Game.InboxCapacity <= 0 {
		errs = append(errs, errors.New("game.inbox_capacity: must be positive"))
	}
	if c.Role == RoleRemoteClient && c.Network.HostAddress == "" {
		errs = append(errs, errors.New("network.host_address: required for remote-client"))
	}
	if c.Network.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("network.reconnect_attempts: must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown value %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown value %q", c.Logging.Format))
	}
	switch c.Logging.Output {
	case "stdout":
	case "file":
		if c.Logging.File == "" {
			errs = append(errs, errors.New("logging.file: required when logging.output is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("logging.output: unknown value %q", c.Logging.Output))
	}
	if c.Logging.QueueSize <= 0 {
		errs = append(errs, errors.New("logging.queue_size: must be positive"))
	}

	if c.Database.Enabled && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url: required when database.enabled is true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Player returns the configuration of the named side ("white" or "black").
func (p PlayersConfig) Player(side string) PlayerConfig {
	if side == "black" {
		return p.Black
	}
	return p.White
}

// Clock returns the time control of the named side.
func (t TimeControlConfig) Clock(side string) SideClockConfig {
	if side == "black" {
		return t.Black
	}
	return t.White
}
