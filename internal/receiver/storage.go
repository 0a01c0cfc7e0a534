package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFilenameLength = 255

var (
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrFilenameTooLong  = errors.New("filename too long")
	ErrStorageDirectory = errors.New("storage directory not set")
)

// Storage is the sink that receives completed files.
type Storage interface {
	Persist(name string, data []byte) (string, error)
}

// DirStorage writes finalized files into a single directory.
type DirStorage struct {
	Dir string
}

// Persist writes data to Dir/name through a temporary file and a rename,
// replacing any existing file of the same name.
func (d DirStorage) Persist(name string, data []byte) (string, error) {
	if d.Dir == "" {
		return "", ErrStorageDirectory
	}
	if err := validateFilename(name); err != nil {
		return "", fmt.Errorf("%q: %w", name, err)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(d.Dir, ".incoming-*.part")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	target := filepath.Join(d.Dir, name)
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return target, nil
}

func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}

	// Path traversal.
	if strings.ContainsAny(filename, "/\\") || strings.ContainsRune(filename, 0) {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}

	if len(filename) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	return nil
}
