// Package layout locates an agent installation on disk.
//
// An install root contains:
//
//	<root>/agent       worker scripts, the workers' working directory
//	<root>/agent/dist  where the supervisor executable lives when installed
//	<root>/bin         helper binaries, appended to the workers' PATH
//	<root>/embedded    bundled interpreter, appended to the workers' PATH
//	<root>/run         runtime files such as the JMX exit marker
package layout

import (
	"os"
	"path/filepath"
)

// FallbackPython is used when the installation has no embedded interpreter.
const FallbackPython = "python"

type Layout struct {
	Root string
	// Discovered is false when Root is the platform default because no
	// dist directory was found above the executable.
	Discovered bool
}

// FromRoot builds a layout for an explicit install root.
func FromRoot(root string) Layout {
	return Layout{Root: filepath.Clean(root), Discovered: true}
}

// Discover walks up from the directory of exe looking for a directory
// named "dist". The directory holding dist is the agent dir and its parent
// is the root. Without a match the platform default root is returned.
func Discover(exe string) Layout {
	if exe != "" {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		if abs, err := filepath.Abs(exe); err == nil {
			exe = abs
		}
		dir := filepath.Dir(exe)
		for {
			parent := filepath.Dir(dir)
			if filepath.Base(dir) == "dist" {
				return Layout{Root: filepath.Dir(parent), Discovered: true}
			}
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return Layout{Root: DefaultRoot}
}

// DiscoverSelf runs Discover on the current executable.
func DiscoverSelf() Layout {
	exe, err := os.Executable()
	if err != nil {
		return Layout{Root: DefaultRoot}
	}
	return Discover(exe)
}

func (l Layout) AgentDir() string    { return filepath.Join(l.Root, "agent") }
func (l Layout) BinDir() string      { return filepath.Join(l.Root, "bin") }
func (l Layout) EmbeddedDir() string { return filepath.Join(l.Root, "embedded") }
func (l Layout) RunDir() string      { return filepath.Join(l.Root, "run") }

// PathDirs are appended to every worker's PATH, in order.
func (l Layout) PathDirs() []string { return []string{l.BinDir(), l.EmbeddedDir()} }

// EmbeddedPython is where the bundled interpreter is expected.
func (l Layout) EmbeddedPython() string { return filepath.Join(l.EmbeddedDir(), pythonExe) }

// Python returns the embedded interpreter when it exists as a regular
// file, else FallbackPython to be resolved through PATH.
func (l Layout) Python() string {
	p := l.EmbeddedPython()
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return p
	}
	return FallbackPython
}
