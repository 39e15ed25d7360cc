package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings are the optional knobs read from settings.yaml in the data
// dir. Zero values mean "use the default".
type Settings struct {
	Shell           string `yaml:"shell"`
	ScrollbackBytes int    `yaml:"scrollback_bytes"`
	DetectorDir     string `yaml:"detector_dir"`
}

type Config struct {
	DataDir     string
	DBPath      string
	DetectorDir string
	Settings    Settings
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("PROJECTLIB_DATA_DIR", filepath.Join(homeDir, ".projectlib"))

	c := &Config{
		DataDir:     dataDir,
		DBPath:      filepath.Join(dataDir, "projectlib.db"),
		DetectorDir: filepath.Join(dataDir, "detectors"),
	}

	if err := c.loadSettings(); err != nil {
		return nil, err
	}
	if c.Settings.DetectorDir != "" {
		c.DetectorDir = c.Settings.DetectorDir
	}

	return c, nil
}

func (c *Config) loadSettings() error {
	path := filepath.Join(c.DataDir, "settings.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, &c.Settings); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.DetectorDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
