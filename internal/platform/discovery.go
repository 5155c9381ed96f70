package platform

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SupportedProtocol is the control/event frame protocol version.
	SupportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Discover scans root for directories holding a manifest.yaml and validates
// each one. Invalid platforms are logged and skipped.
func Discover(root string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("platforms directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve platforms directory %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("platforms directory does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat platforms directory %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("platforms directory is not a directory: %s", absRoot)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		dir := filepath.Dir(path)
		p, err := Load(dir, absRoot)
		if err != nil {
			logger("warn", "failed to load platform", "path", dir, "error", err.Error())
			return nil
		}
		if err := registry.Add(p); err != nil {
			existing, _ := registry.Get(p.Name)
			logger("warn", "duplicate platform ignored (keeping first discovered)",
				"platform", p.Name, "ignored_path", p.Path, "kept_path", existing.Path)
			return nil
		}

		logger("info", "loaded platform", "platform", p.Name, "path", p.Path, "version", p.Version, "persist", p.Config.Persist)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan platforms directory %s: %w", absRoot, err)
	}
	return registry, nil
}

// Load reads and validates the platform in dir. The entrypoint must resolve
// inside both dir and root.
func Load(dir, root string) (*Platform, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(entrypoint, dir, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Platform{
		Name:        m.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Args:        m.Args,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Verbs:       m.Verbs,
		Config: Config{
			Persist:            m.Persist,
			RequireCredentials: m.RequireCredentials,
		},
	}, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(m.Name, " /\\:") {
		return fmt.Errorf("name %q must not contain spaces, slashes or colons", m.Name)
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != SupportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, SupportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	for _, verb := range m.RequireCredentials {
		if strings.TrimSpace(verb) == "" {
			return fmt.Errorf("require_credentials contains an empty verb")
		}
	}
	if len(m.RequireCredentials) > 0 && !m.Persist {
		return fmt.Errorf("require_credentials needs persist: true")
	}
	return nil
}

func validateTrust(entrypointPath, dir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve platform path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve platforms directory symlink %s: %w", root, err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under platforms directory", resolvedEntrypoint)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under platform directory %s", resolvedEntrypoint, resolvedDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("platform directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("platform directory is world-writable: %s", resolvedDir)
	}
	return nil
}
