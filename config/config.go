// Package config resolves qcode's configuration by merging defaults, a
// global config file, the nearest project config file, environment
// variables, and CLI overrides, in that precedence order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/qmx/qcode/model"
)

// projectConfigNames are recognized project-level config file names, tried
// in this order at every directory level while walking up from the working
// directory; the nearest directory with any match wins.
var projectConfigNames = []string{"qcode.config.json", ".qcoderc", ".qcoderc.json", ".qcode.json"}

// Config is the fully-resolved configuration. Load merges all layers first,
// then decodes the merged result into Config and validates it once; no
// single layer is decoded or validated on its own before the merge.
type Config struct {
	WorkingDirectory     string `mapstructure:"working_directory"`
	MaxToolCallsPerQuery int    `mapstructure:"max_tool_calls_per_query"`
	QueryTimeoutMs       int    `mapstructure:"query_timeout_ms"`
	Preset               string `mapstructure:"preset"`

	Ollama struct {
		URL         string  `mapstructure:"url"`
		Model       string  `mapstructure:"model"`
		TimeoutMs   int     `mapstructure:"timeout_ms"`
		Retries     int     `mapstructure:"retries"`
		Temperature float64 `mapstructure:"temperature"`
		Stream      bool    `mapstructure:"stream"`
	} `mapstructure:"ollama"`

	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
		File    string `mapstructure:"file"`
	} `mapstructure:"log"`

	Security struct {
		AllowedRoots           []string `mapstructure:"allowed_roots"`
		ForbiddenPathGlobs     []string `mapstructure:"forbidden_path_globs"`
		AllowOutsideWorkspace  bool     `mapstructure:"allow_outside_workspace"`
		AllowArbitraryCommands bool     `mapstructure:"allow_arbitrary_commands"`
		AllowCommandGlobs      []string `mapstructure:"allow_command_globs"`
		DenyCommandGlobs       []string `mapstructure:"deny_command_globs"`
	} `mapstructure:"security"`
}

// envBindings maps every QCODE_* environment variable from spec.md §6 to its
// dotted viper key.
var envBindings = map[string]string{
	"QCODE_OLLAMA_URL":                        "ollama.url",
	"QCODE_OLLAMA_MODEL":                      "ollama.model",
	"QCODE_OLLAMA_TIMEOUT":                    "ollama.timeout_ms",
	"QCODE_OLLAMA_RETRIES":                    "ollama.retries",
	"QCODE_OLLAMA_TEMPERATURE":                "ollama.temperature",
	"QCODE_OLLAMA_STREAM":                     "ollama.stream",
	"QCODE_LOG_LEVEL":                         "log.level",
	"QCODE_LOG_CONSOLE":                       "log.console",
	"QCODE_LOG_FILE":                          "log.file",
	"QCODE_WORKING_DIRECTORY":                 "working_directory",
	"QCODE_SECURITY_ALLOW_OUTSIDE_WORKSPACE":  "security.allow_outside_workspace",
	"QCODE_SECURITY_ALLOW_ARBITRARY_COMMANDS": "security.allow_arbitrary_commands",
	"QCODE_PRESET":                            "preset",
}

// Load resolves configuration in precedence order: defaults < global <
// project (nearest wins) < environment < explicitCLIConfigPath (if given,
// merged as a highest-precedence file layer) < cliOverrides. cliOverrides
// keys use the same dotted form as mapstructure tags (e.g. "ollama.model").
func Load(startDir, explicitCLIConfigPath string, cliOverrides map[string]any) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	applyDefaults(v, startDir)

	if globalPath, err := globalConfigPath(); err == nil {
		mergeFileIfExists(v, globalPath)
	}

	if projectPath := findProjectConfig(startDir); projectPath != "" {
		mergeFileIfExists(v, projectPath)
	}

	applyEnvOverrides(v)

	if explicitCLIConfigPath != "" {
		mergeFileIfExists(v, explicitCLIConfigPath)
	}

	for key, value := range cliOverrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, model.Newf(model.Unknown, "decode merged configuration: %v", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper, startDir string) {
	v.SetDefault("working_directory", startDir)
	v.SetDefault("max_tool_calls_per_query", 10)
	v.SetDefault("query_timeout_ms", 60_000)
	v.SetDefault("preset", "")

	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3")
	v.SetDefault("ollama.timeout_ms", 30_000)
	v.SetDefault("ollama.retries", 3)
	v.SetDefault("ollama.temperature", 0.2)
	v.SetDefault("ollama.stream", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", "")

	v.SetDefault("security.allowed_roots", []string{startDir})
	v.SetDefault("security.forbidden_path_globs", []string{"**/.git/**", "**/.env", "**/*.pem", "**/*.key"})
	v.SetDefault("security.allow_outside_workspace", false)
	v.SetDefault("security.allow_arbitrary_commands", false)
	v.SetDefault("security.allow_command_globs", []string{"*"})
	v.SetDefault("security.deny_command_globs", []string{"rm -rf /*", "sudo *", "dd *"})
}

func mergeFileIfExists(v *viper.Viper, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = v.MergeConfig(strings.NewReader(string(data)))
}

// globalConfigPath returns the XDG-compliant global config file path:
// $XDG_CONFIG_HOME/qcode/config.json, falling back to ~/.config/qcode/config.json.
func globalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ConfigDir returns the XDG-compliant config directory for qcode.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" && filepath.IsAbs(dir) {
		return filepath.Join(dir, "qcode"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "qcode"), nil
}

// findProjectConfig walks up from dir looking for the nearest directory
// containing one of projectConfigNames, trying names in priority order at
// each level before ascending.
func findProjectConfig(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		for _, name := range projectConfigNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// applyEnvOverrides reads every recognized QCODE_* variable and sets it on
// v, parsing each value as JSON first (so arrays, booleans, and numbers
// round-trip correctly) and falling back to the raw string.
func applyEnvOverrides(v *viper.Viper) {
	for envName, key := range envBindings {
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		v.Set(key, parseEnvValue(raw))
	}
}

func parseEnvValue(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func validate(cfg *Config) error {
	if len(cfg.Security.AllowedRoots) == 0 {
		return model.New(model.InvalidQuery, "security.allowed_roots must not be empty")
	}
	if cfg.MaxToolCallsPerQuery <= 0 {
		return model.New(model.InvalidQuery, "max_tool_calls_per_query must be positive")
	}
	if cfg.QueryTimeoutMs < 0 {
		return model.New(model.InvalidQuery, "query_timeout_ms must not be negative")
	}
	if cfg.Ollama.TimeoutMs < 0 {
		return model.New(model.InvalidQuery, "ollama.timeout_ms must not be negative")
	}
	if cfg.Ollama.Retries < 0 {
		return model.New(model.InvalidQuery, "ollama.retries must not be negative")
	}
	return nil
}
