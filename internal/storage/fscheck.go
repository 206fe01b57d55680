package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is wrapped by the error ValidateLocalFilesystem returns
// for a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// Filesystem type names as reported by statfs on darwin, or as mapped from
// superblock magic numbers on linux.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// FilesystemError reports a path that resolved onto a network mount.
type FilesystemError struct {
	Path      string
	Inspected string
	FSType    string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s is on %s filesystem %q (inspected %s); a local filesystem is required for sqlite locking and atomic spool renames",
		e.Path, ErrNetworkFilesystem, e.FSType, e.Inspected)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

type detector func(path string) (string, error)

// ValidateLocalFilesystem checks that path, or its nearest existing ancestor,
// is not a network mount. Platforms without detection always pass.
func ValidateLocalFilesystem(path string) error {
	return validateWith(path, detectFilesystemType)
}

func validateWith(path string, detect detector) error {
	if path == "" {
		return errors.New("path is empty")
	}

	inspected, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detect(inspected)
	switch {
	case errors.Is(err, errDetectUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", inspected, err)
	case isNetworkFilesystem(fsType):
		return &FilesystemError{Path: path, Inspected: inspected, FSType: fsType}
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
