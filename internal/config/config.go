// Package config loads and persists the daemon configuration through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	cd "controlling_door"
)

// Controller transport modes.
const (
	ModeSerial    = "serial"
	ModeTCP       = "tcp"
	ModeSimulator = "simulator"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type SerialConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

type TCPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type ReconnectConfig struct {
	InitialMS int `mapstructure:"initial_ms"`
	MaxMS     int `mapstructure:"max_ms"`
}

// ControllerConfig selects and tunes the link to the motion controller.
type ControllerConfig struct {
	Mode               string          `mapstructure:"mode"` // serial | tcp | simulator
	Serial             SerialConfig    `mapstructure:"serial"`
	TCP                TCPConfig       `mapstructure:"tcp"`
	StatusPollMS       int             `mapstructure:"status_poll_ms"`
	CommandTimeoutMS   int             `mapstructure:"command_timeout_ms"`
	HomingTimeoutMS    int             `mapstructure:"homing_timeout_ms"`
	SettingsCacheTTLMS int             `mapstructure:"settings_cache_ttl_ms"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
}

func (c ControllerConfig) StatusPollInterval() time.Duration {
	return time.Duration(c.StatusPollMS) * time.Millisecond
}

func (c ControllerConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c ControllerConfig) HomingTimeout() time.Duration {
	return time.Duration(c.HomingTimeoutMS) * time.Millisecond
}

func (c ControllerConfig) SettingsCacheTTL() time.Duration {
	return time.Duration(c.SettingsCacheTTLMS) * time.Millisecond
}

func (c ControllerConfig) ReconnectInitial() time.Duration {
	return time.Duration(c.Reconnect.InitialMS) * time.Millisecond
}

func (c ControllerConfig) ReconnectMax() time.Duration {
	return time.Duration(c.Reconnect.MaxMS) * time.Millisecond
}

// Endpoint renders the configured link as a display string.
func (c ControllerConfig) Endpoint() string {
	switch c.Mode {
	case ModeSerial:
		return "serial://" + c.Serial.Device
	case ModeTCP:
		return fmt.Sprintf("tcp://%s:%d", c.TCP.Host, c.TCP.Port)
	default:
		return c.Mode
	}
}

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
	Workers         int    `mapstructure:"workers"`
}

// Enabled reports whether push notifications are configured.
func (p PushConfig) Enabled() bool {
	return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

// Config is the full daemon configuration.
type Config struct {
	Log        LogConfig                   `mapstructure:"log"`
	Server     ServerConfig                `mapstructure:"server"`
	DB         DBConfig                    `mapstructure:"db"`
	Controller ControllerConfig            `mapstructure:"controller"`
	Door       cd.DoorConfig `mapstructure:"door"`
	Auth       AuthConfig                  `mapstructure:"auth"`
	RateLimit  RateLimitConfig             `mapstructure:"rate_limit"`
	Push       PushConfig                  `mapstructure:"push"`
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("db.path", "door.db")
	viper.SetDefault("controller.mode", ModeTCP)
	viper.SetDefault("controller.serial.device", "/dev/ttyUSB0")
	viper.SetDefault("controller.serial.baud", 115200)
	viper.SetDefault("controller.tcp.host", "192.168.1.100")
	viper.SetDefault("controller.tcp.port", 23)
	viper.SetDefault("controller.status_poll_ms", 200)
	viper.SetDefault("controller.command_timeout_ms", 2000)
	viper.SetDefault("controller.homing_timeout_ms", 60000)
	viper.SetDefault("controller.settings_cache_ttl_ms", 5000)
	viper.SetDefault("controller.reconnect.initial_ms", 1000)
	viper.SetDefault("controller.reconnect.max_ms", 30000)
	viper.SetDefault("door.open_distance_mm", 1000.0)
	viper.SetDefault("door.open_speed_mm_min", 6000.0)
	viper.SetDefault("door.close_speed_mm_min", 4000.0)
	viper.SetDefault("door.axis", "X")
	viper.SetDefault("door.limit_offset_mm", 3.0)
	viper.SetDefault("door.open_direction", cd.DirectionPositive)
	viper.SetDefault("door.auto_home", false)
	viper.SetDefault("door.stop_delay_ms", 1000)
	viper.SetDefault("auth.token_ttl", "12h")
	viper.SetDefault("rate_limit.rps", 10.0)
	viper.SetDefault("rate_limit.burst", 20)
	viper.SetDefault("push.workers", 4)
}

// Load reads the configuration file (the default search path is
// configs/config.yml when path is empty), applies DOOR_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	setDefaults()
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath("configs")
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
	}
	viper.SetEnvPrefix("DOOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Door.Axis = strings.ToUpper(cfg.Door.Axis)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the non-door sections and delegates door field checks to
// the domain type.
func (c *Config) Validate() error {
	switch c.Controller.Mode {
	case ModeSerial, ModeTCP, ModeSimulator:
	default:
		return fmt.Errorf("controller.mode must be serial, tcp or simulator, got %q", c.Controller.Mode)
	}
	if c.Controller.StatusPollMS <= 0 || c.Controller.CommandTimeoutMS <= 0 || c.Controller.HomingTimeoutMS <= 0 {
		return fmt.Errorf("controller intervals must be positive")
	}
	if err := c.Door.Validate(); err != nil {
		return fmt.Errorf("door: %w", err)
	}
	return nil
}

// PersistDoor writes a validated door configuration back to the loaded
// config file so it survives restarts.
func PersistDoor(door cd.DoorConfig) error {
	viper.Set("door.open_distance_mm", door.OpenDistanceMM)
	viper.Set("door.open_speed_mm_min", door.OpenSpeedMMMin)
	viper.Set("door.close_speed_mm_min", door.CloseSpeedMMMin)
	viper.Set("door.axis", door.Axis)
	viper.Set("door.limit_offset_mm", door.LimitOffsetMM)
	viper.Set("door.open_direction", door.OpenDirection)
	viper.Set("door.auto_home", door.AutoHome)
	viper.Set("door.stop_delay_ms", door.StopDelayMS)
	if err := viper.WriteConfig(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
