// Package jmx implements the exit-marker handshake of the jmxfetch worker.
// jmxfetch polls for the marker and shuts itself down cleanly when it
// appears, so the supervisor writes it before terminating the worker and
// clears it before starting a new one.
package jmx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ExitFileName is the marker jmxfetch watches for.
const ExitFileName = "jmxfetch_exit"

// Files locates the marker in a runtime directory.
type Files struct {
	Dir string
}

func (f Files) ExitFile() string { return filepath.Join(f.Dir, ExitFileName) }

// CleanExitFile removes the marker. A missing marker is not an error.
func (f Files) CleanExitFile() error {
	if err := os.Remove(f.ExitFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove jmx exit file: %w", err)
	}
	return nil
}

// WriteExitFile creates the marker, creating Dir when needed. Only its
// presence matters.
func (f Files) WriteExitFile() error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("create jmx run dir: %w", err)
	}
	if err := os.WriteFile(f.ExitFile(), nil, 0o644); err != nil {
		return fmt.Errorf("write jmx exit file: %w", err)
	}
	return nil
}

// ExitFileExists reports whether the marker is present.
func (f Files) ExitFileExists() bool {
	_, err := os.Stat(f.ExitFile())
	return err == nil
}

// Hook is the lifecycle hook of the jmxfetch worker.
type Hook struct {
	Files Files
}

func NewHook(runDir string) *Hook { return &Hook{Files: Files{Dir: runDir}} }

// BeforeStart clears a marker left over from the previous run.
func (h *Hook) BeforeStart() error { return h.Files.CleanExitFile() }

// BeforeStop asks the running worker to exit on its own.
func (h *Hook) BeforeStop() error { return h.Files.WriteExitFile() }
