package models

// Size and range bounds enforced at the service boundary.
const (
	// MaxCodeBytes caps the source payload of one execution.
	MaxCodeBytes = 1 << 20 // 1 MiB

	// MaxEventBytes caps the JSON event payload passed to an execution.
	MaxEventBytes = 64 << 10 // 64 KiB

	// MaxOutputBytes caps stored stdout and stderr, each.
	MaxOutputBytes = 64 << 10 // 64 KiB

	// MaxReturnValueBytes caps the JSON return value of an execution.
	MaxReturnValueBytes = 64 << 10 // 64 KiB

	// MaxDependencies caps DependencySpec entries per session.
	MaxDependencies = 50

	// MinExecutionTimeout and MaxExecutionTimeout bound per-execution
	// timeouts, in seconds.
	MinExecutionTimeout = 1
	MaxExecutionTimeout = 3600

	// MinInstallTimeout and MaxInstallTimeout bound dependency install
	// timeouts, in seconds.
	MinInstallTimeout = 30
	MaxInstallTimeout = 1800

	// DefaultMaxProcesses is the pid limit applied when a template or
	// request does not set one.
	DefaultMaxProcesses = 128

	// TruncationMarker is appended to stdout/stderr cut at MaxOutputBytes.
	TruncationMarker = "... [truncated]"
)

// TruncateOutput caps s at MaxOutputBytes, appending a visible marker when
// anything was cut.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes-len(TruncationMarker)] + TruncationMarker
}
