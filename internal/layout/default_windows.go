//go:build windows

package layout

// DefaultRoot is the install root assumed when discovery fails.
const DefaultRoot = `C:\Program Files\Datadog\Datadog Agent`

const pythonExe = "python.exe"
