// Package detector tells whether the process recorded in a pid file is
// still the one that wrote it.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// pidMeta is stored on the second line of a pid file so a reused pid is
// not mistaken for the original process.
type pidMeta struct {
	StartUnixMilli int64 `json:"start_unix_ms"`
}

// PIDFileDetector detects a process via a pid file written by WritePIDFile.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := readPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnixMilli > 0 {
		if cur := startUnixMilli(pid); cur > 0 && cur != meta.StartUnixMilli {
			return false, nil // pid reused
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// WritePIDFile records pid and, when available, its start time.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n"
	if start := startUnixMilli(pid); start > 0 {
		b, _ := json.Marshal(pidMeta{StartUnixMilli: start})
		content += string(b) + "\n"
	}
	// #nosec G306
	return os.WriteFile(path, []byte(content), 0o644)
}

// ReadPID returns the pid stored in path.
func ReadPID(path string) (int, error) {
	pid, _, err := readPIDFile(path)
	return pid, err
}

func readPIDFile(path string) (int, pidMeta, error) {
	var meta pidMeta
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// startUnixMilli returns the process start time, or 0 when unavailable.
func startUnixMilli(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
