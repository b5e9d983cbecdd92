//go:build !windows

package layout

// DefaultRoot is the install root assumed when discovery fails.
const DefaultRoot = "/opt/datadog-agent"

const pythonExe = "python"
