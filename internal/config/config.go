package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
)

// ProjectFile is the per-project config file looked up in the working
// directory before the user-level config.
const ProjectFile = "bsdeploy.yaml"

// Config holds all application configuration.
type Config struct {
	Board    string         `yaml:"board"`
	Device   DeviceConfig   `yaml:"device"`
	Relay    RelayConfig    `yaml:"relay"`
	Compiler CompilerConfig `yaml:"compiler"`
	Project  ProjectConfig  `yaml:"project"`
	Serial   SerialConfig   `yaml:"serial"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig holds BLE link settings.
type DeviceConfig struct {
	Name               string        `yaml:"name"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	MTU                int           `yaml:"mtu"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteDelay         time.Duration `yaml:"write_delay"`
}

// RelayConfig holds the editor WebSocket settings.
type RelayConfig struct {
	Listen string `yaml:"listen"`
}

// CompilerConfig names the external compiler. Command is argv-style; the
// first element is the executable.
type CompilerConfig struct {
	Command []string `yaml:"command"`
}

// ProjectConfig locates the program to run.
type ProjectConfig struct {
	Root     string `yaml:"root"`
	MainFile string `yaml:"main_file"`
}

// SerialConfig holds the UART console settings for the monitor command.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bsdeploy")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Board: "esp32",
		Device: DeviceConfig{
			Name:               "BLUESCRIPT",
			ServiceUUID:        "00ff",
			CharacteristicUUID: "ff01",
			MTU:                protocol.DefaultMTU,
			ConnectTimeout:     2 * time.Second,
		},
		Relay: RelayConfig{
			Listen: "localhost:8080",
		},
		Project: ProjectConfig{
			Root:     ".",
			MainFile: "index.bs",
		},
		Serial: SerialConfig{
			Baud: 115200,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in project.root and the compiler executable is
// expanded to the user's home directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlay(path); err != nil {
		return nil, err
	}
	cfg.expand()
	return cfg, nil
}

// LoadLayered applies every existing file in paths over the defaults, in
// order, so later files override earlier ones. It returns the paths that
// were read.
func LoadLayered(paths ...string) (*Config, []string, error) {
	cfg := Default()
	var loaded []string
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := cfg.overlay(path); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	cfg.expand()
	return cfg, loaded, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) expand() {
	c.Project.Root = expandTilde(c.Project.Root)
	if len(c.Compiler.Command) > 0 {
		c.Compiler.Command[0] = expandTilde(c.Compiler.Command[0])
	}
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# bsdeploy configuration\n# Values here apply to every project; a bsdeploy.yaml in the project overrides them.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Board == "" {
		return errors.New("board must not be empty")
	}

	if c.Device.Name == "" {
		return errors.New("device.name must not be empty")
	}
	if c.Device.ServiceUUID == "" || c.Device.CharacteristicUUID == "" {
		return errors.New("device.service_uuid and device.characteristic_uuid must not be empty")
	}
	if c.Device.MTU < protocol.MinMTU {
		return fmt.Errorf("device.mtu must be >= %d, got %d", protocol.MinMTU, c.Device.MTU)
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0, got %s", c.Device.ConnectTimeout)
	}
	if c.Device.WriteDelay < 0 {
		return fmt.Errorf("device.write_delay must not be negative, got %s", c.Device.WriteDelay)
	}

	if c.Relay.Listen == "" {
		return errors.New("relay.listen must not be empty")
	}

	if c.Project.MainFile == "" {
		return errors.New("project.main_file must not be empty")
	}

	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be > 0, got %d", c.Serial.Baud)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// MainPath returns the main source file resolved against the project root.
func (c *Config) MainPath() string {
	if filepath.IsAbs(c.Project.MainFile) {
		return c.Project.MainFile
	}
	return filepath.Join(c.Project.Root, c.Project.MainFile)
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
