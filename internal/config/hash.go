package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile sits next to config.yaml and pins its BLAKE3 hash.
const ChecksumFile = ".checksums"

// ErrConfigModified is returned when config.yaml no longer matches its lock.
var ErrConfigModified = errors.New("config file modified since lock")

// ChecksumManifest is the on-disk format of .checksums.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes the config file at configPath and writes .checksums beside it.
func Lock(configPath string) (*ChecksumManifest, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", absPath, err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(absPath), ChecksumFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads .checksums from dir. A missing file returns os.ErrNotExist.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		return nil, err
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyLock checks the config file against .checksums when one exists.
func verifyLock(absPath string) error {
	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	name := filepath.Base(absPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\n"+
			"Run: tether config lock --config %s", name, ChecksumFile, dir)
	}
	actual, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: %s (expected %s, got %s)\n"+
			"If you edited this file intentionally, run: tether config lock --config %s",
			ErrConfigModified, name, expected, actual, dir)
	}
	return nil
}
