package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	// Relative paths are relative to the root config file.
	baseDir := filepath.Dir(absPath)
	cfg.State.Path = resolvePath(baseDir, cfg.State.Path)
	cfg.PlatformsDir = resolvePath(baseDir, cfg.PlatformsDir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// DiscoverConfigDir finds a configuration when none was given:
// $PLATFORMD_CONFIG_DIR, ~/.config/platformd, /etc/platformd, then
// ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("PLATFORMD_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "platformd")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}
	if _, err := os.Stat("/etc/platformd"); err == nil {
		return "/etc/platformd", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $PLATFORMD_CONFIG_DIR, ~/.config/platformd, /etc/platformd, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files
// in the include tree, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), map[string]bool{absPath: true}); err != nil {
			return nil, err
		}
	}
	files := append([]string(nil), cfg.SourceFiles...)
	sort.Strings(files)
	return files, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		absPath, err := filepath.Abs(resolvePath(baseDir, includePath))
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, included)
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values.
func deepMergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	mergeString(&dst.Service.LogFormat, src.Service.LogFormat)
	mergeString(&dst.Service.Secret, src.Service.Secret)
	mergeString(&dst.State.Path, src.State.Path)
	mergeString(&dst.PlatformsDir, src.PlatformsDir)

	if src.Platforms != nil {
		if dst.Platforms == nil {
			dst.Platforms = make(map[string]PlatformConf)
		}
		for name, p := range src.Platforms {
			dst.Platforms[name] = p
		}
	}

	s, d := src.Supervisor, &dst.Supervisor
	if s.HandshakeTimeout != 0 {
		d.HandshakeTimeout = s.HandshakeTimeout
	}
	if s.HeartbeatInterval != 0 {
		d.HeartbeatInterval = s.HeartbeatInterval
	}
	if s.HeartbeatTimeout != 0 {
		d.HeartbeatTimeout = s.HeartbeatTimeout
	}
	if s.KillGrace != 0 {
		d.KillGrace = s.KillGrace
	}
	if s.QueuePoll != 0 {
		d.QueuePoll = s.QueuePoll
	}
	if s.QueueOpTimeout != 0 {
		d.QueueOpTimeout = s.QueueOpTimeout
	}

	if src.Janitor.Interval != 0 {
		dst.Janitor.Interval = src.Janitor.Interval
	}
	if src.Janitor.GraceCycles != 0 {
		dst.Janitor.GraceCycles = src.Janitor.GraceCycles
	}

	if src.Sessions.Buffer != 0 {
		dst.Sessions.Buffer = src.Sessions.Buffer
	}
	mergeString(&dst.Sessions.Redis.Addr, src.Sessions.Redis.Addr)
	mergeString(&dst.Sessions.Redis.Password, src.Sessions.Redis.Password)
	mergeString(&dst.Sessions.Redis.Namespace, src.Sessions.Redis.Namespace)
	if src.Sessions.Redis.DB != 0 {
		dst.Sessions.Redis.DB = src.Sessions.Redis.DB
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	mergeString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	if src.API.SyncTimeout != 0 {
		dst.API.SyncTimeout = src.API.SyncTimeout
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func verifyAllConfigHashes(paths []string) error {
	byDir := groupByDir(paths)
	for _, dir := range sortedKeys(byDir) {
		sums, err := ReadChecksums(dir)
		if errors.Is(err, ErrNoChecksums) {
			continue
		}
		if err != nil {
			return err
		}
		for _, name := range byDir[dir] {
			if err := sums.Verify(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("config verification failed: %w\n"+
					"If you edited this file intentionally, run: platformd config lock --config %s", err, paths[0])
			}
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()
	merged := *defaults
	merged.Platforms = cfg.Platforms
	if merged.Platforms == nil {
		merged.Platforms = make(map[string]PlatformConf)
	}
	merged.Include = cfg.Include
	merged.SourceFiles = cfg.SourceFiles
	deepMergeConfig(&merged, cfg)
	return &merged
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if err := unresolved("service.secret", cfg.Service.Secret); err != nil {
		return err
	}
	if _, err := cfg.ParentSecret(); err != nil {
		return err
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.PlatformsDir == "" {
		return fmt.Errorf("platforms_dir is required")
	}

	s := cfg.Supervisor
	for name, d := range map[string]int64{
		"supervisor.handshake_timeout":  int64(s.HandshakeTimeout),
		"supervisor.heartbeat_interval": int64(s.HeartbeatInterval),
		"supervisor.heartbeat_timeout":  int64(s.HeartbeatTimeout),
		"supervisor.kill_grace":         int64(s.KillGrace),
		"supervisor.queue_poll":         int64(s.QueuePoll),
		"supervisor.queue_op_timeout":   int64(s.QueueOpTimeout),
		"janitor.interval":              int64(cfg.Janitor.Interval),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if s.HeartbeatTimeout >= s.HeartbeatInterval {
		return fmt.Errorf("supervisor.heartbeat_timeout (%s) must be shorter than supervisor.heartbeat_interval (%s)",
			s.HeartbeatTimeout, s.HeartbeatInterval)
	}
	if cfg.Janitor.GraceCycles < 1 {
		return fmt.Errorf("janitor.grace_cycles must be at least 1")
	}

	if err := unresolved("sessions.redis.addr", cfg.Sessions.Redis.Addr); err != nil {
		return err
	}
	if err := unresolved("sessions.redis.password", cfg.Sessions.Redis.Password); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when the API is enabled")
		}
		if cfg.API.SyncTimeout <= 0 {
			return fmt.Errorf("api.sync_timeout must be positive")
		}
	}

	for name, p := range cfg.Platforms {
		for _, verb := range p.RequireCredentials {
			if strings.TrimSpace(verb) == "" {
				return fmt.Errorf("platform %q: require_credentials contains an empty verb", name)
			}
		}
		if len(p.RequireCredentials) > 0 && p.Persist != nil && !*p.Persist {
			return fmt.Errorf("platform %q: require_credentials needs persist: true", name)
		}
	}
	return nil
}
