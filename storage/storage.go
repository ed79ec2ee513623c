// Package storage reads and writes image bytes by path.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("file not found")

// Error is an I/O failure on a path.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Files is the file-storage collaborator used by job execution.
type Files interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// Local stores files on the local filesystem.
type Local struct {
	// DirPerm is used when creating missing parent directories.
	DirPerm fs.FileMode
	// FilePerm is used for written files.
	FilePerm fs.FileMode
}

func NewLocal() *Local {
	return &Local{DirPerm: 0o755, FilePerm: 0o644}
}

func (l *Local) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Op: "read", Path: path, Err: ErrNotFound}
		}
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Write creates parent directories as needed and replaces any existing file.
func (l *Local) Write(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, l.DirPerm); err != nil {
			return &Error{Op: "write", Path: path, Err: err}
		}
	}
	if err := os.WriteFile(path, data, l.FilePerm); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	return nil
}
