package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes how to launch one worker process.
// Path and Args are passed to exec without a shell; Env is the complete
// environment of the child ("K=V" pairs). An empty Env inherits the
// supervisor's environment.
type Spec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Args    []string `json:"args"`
	Env     []string `json:"-"`
	WorkDir string   `json:"work_dir"`
}

// Validate checks the fields required to launch.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("process " + s.Name + " requires program path")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd from s. Stdio, environment
// and process attributes are applied by Start.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- program and arguments come from the static agent topology
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append([]string(nil), s.Env...)
	}
	return cmd
}

// CommandLine renders program and arguments for logs.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}
