package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rigor"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Plugins is the default plugin selection for scans started without an
	// explicit list. Empty means every registered plugin.
	Plugins []string `yaml:"plugins"`

	// Parallel bounds the number of plugins scanning concurrently. Zero
	// means one per CPU.
	Parallel int `yaml:"parallel"`

	// MinStringLength is the minimum number of characters the strings
	// plugin reports.
	MinStringLength *int `yaml:"min-string-length,omitempty"`

	// ScanUTF16 controls whether the strings plugin also carves UTF-16LE
	// strings. Enabled when unset.
	ScanUTF16 *bool `yaml:"scan-utf16,omitempty"`

	// ScriptDirs is the list of directories searched for Starlark plugin
	// scripts (*.star) at startup.
	ScriptDirs []string `yaml:"script-dirs"`
}

// MinStringLen returns the configured minimum string length, or the default.
func (c *Config) MinStringLen() int {
	if c.MinStringLength == nil || *c.MinStringLength <= 0 {
		return 8
	}
	return *c.MinStringLength
}

// UTF16Enabled reports whether UTF-16LE carving is on.
func (c *Config) UTF16Enabled() bool {
	return c.ScanUTF16 == nil || *c.ScanUTF16
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the rigor memory forensics toolkit.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Plugins run by "rigor scan" when no --plugins flag is given.
# Empty means every registered plugin.
plugins: []

# Number of plugins scanning concurrently. 0 means one per CPU.
parallel: 0

# Minimum number of characters the strings plugin reports.
# min-string-length: 8

# Uncomment to disable UTF-16LE string carving.
# scan-utf16: false

# Directories searched for Starlark plugin scripts (*.star) at startup.
script-dirs: []
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
