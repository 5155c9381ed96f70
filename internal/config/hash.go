package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumsFile = ".checksums"

// ErrNoChecksums means a directory has never been locked.
var ErrNoChecksums = errors.New("no .checksums file")

// Checksums is the on-disk .checksums format. Once a directory has one,
// every config file loaded from it must match.
type Checksums struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is one file seen by LockDir. Hash is empty when the file
// does not exist.
type LockedFile struct {
	Name string
	Hash string
}

type LockReport struct {
	Dir          string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LockDir hashes names inside dir and, unless dryRun, writes .checksums.
// Missing files are reported and left out.
func LockDir(dir string, names []string, dryRun bool) (*LockReport, error) {
	sums := Checksums{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(names)),
	}
	report := &LockReport{Dir: dir, ChecksumPath: filepath.Join(dir, checksumsFile)}

	for _, name := range names {
		sum, err := hashFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, os.ErrNotExist):
			report.Files = append(report.Files, LockedFile{Name: name})
			continue
		case err != nil:
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		sums.Hashes[name] = sum
		report.Files = append(report.Files, LockedFile{Name: name, Hash: sum})
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(sums)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// Lock writes a .checksums file into every directory of the include tree
// rooted at configPath.
func Lock(configPath string, dryRun bool) ([]*LockReport, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}
	byDir := groupByDir(files)

	reports := make([]*LockReport, 0, len(byDir))
	for _, dir := range sortedKeys(byDir) {
		report, err := LockDir(dir, byDir[dir], dryRun)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ReadChecksums loads dir/.checksums. It wraps ErrNoChecksums when the
// directory was never locked.
func ReadChecksums(dir string) (*Checksums, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w (run 'platformd config lock')", dir, ErrNoChecksums)
	}
	if err != nil {
		return nil, err
	}
	var sums Checksums
	if err := yaml.Unmarshal(data, &sums); err != nil {
		return nil, fmt.Errorf("parse %s: %w", checksumsFile, err)
	}
	if sums.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version %d", sums.Version)
	}
	return &sums, nil
}

// Verify checks one file from the locked directory.
func (c *Checksums) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := c.Hashes[name]
	if !ok {
		return fmt.Errorf("%s is not listed in %s", name, checksumsFile)
	}
	got, err := hashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, want, got)
	}
	return nil
}

func groupByDir(paths []string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range paths {
		dir := filepath.Dir(p)
		out[dir] = append(out[dir], filepath.Base(p))
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
