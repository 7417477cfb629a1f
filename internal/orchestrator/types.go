package orchestrator

import (
	"time"
)

// Dispatch windows for node commands. Sized for worst-case microVM boot
// and shutdown, not typical latency.
const (
	createTimeout  = 2 * time.Minute
	stopTimeout    = 2 * time.Minute
	destroyTimeout = 30 * time.Second
	sessionTimeout = 30 * time.Second
	fileTimeout    = 60 * time.Second
	collectTimeout = 2 * time.Minute

	// execGraceWindow is added on top of the exec's own timeout so the
	// guest-side timeout fires before the control-plane one.
	execGraceWindow = 30 * time.Second

	// killTimeout bounds the best-effort kill sent when a dispatch
	// outlives its deadline.
	killTimeout = 10 * time.Second

	defaultExecTimeoutSeconds = 300
	syncExecMaxSeconds        = 300
	defaultCwd                = "/root"
	defaultShell              = "/bin/bash"

	// outputCap bounds stdout/stderr stored on the exec row.
	outputCap = 1 << 20

	execEventTTL = 24 * time.Hour
)

// Catalog fallbacks used when a create request names neither an image nor
// a profile.
const (
	defaultImageURI    = "sandchest://ubuntu-24.04/base"
	defaultProfileName = "small"
	fallbackVCPUs      = 2
	fallbackMemoryMB   = 2048
)

// CreateSandboxRequest carries the validated inputs of a sandbox create.
// Image accepts an image id or a sandchest:// URI; Profile accepts a
// profile id or name. Zero values fall back to catalog defaults.
type CreateSandboxRequest struct {
	Image        string
	Profile      string
	Env          map[string]string
	TTLSeconds   int
	ReplayPublic bool
}

// ForkSandboxRequest carries the inputs of a fork. Env merges over the
// parent's env with the request winning per key.
type ForkSandboxRequest struct {
	Env        map[string]string
	TTLSeconds int
}

// ExecRequest is a command to run inside a sandbox. Exactly one of Cmd
// (shell string) and Argv must be set.
type ExecRequest struct {
	Cmd            string
	Argv           []string
	Cwd            string
	Env            map[string]string
	TimeoutSeconds int
	Wait           bool
	SessionID      string
}

// WriteFileRequest is a single file upload into the guest.
type WriteFileRequest struct {
	Path  string
	Data  []byte
	Batch bool
}
