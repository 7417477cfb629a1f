package store

// SandboxStatus is a lifecycle state of a sandbox.
type SandboxStatus string

const (
	SandboxQueued       SandboxStatus = "queued"
	SandboxProvisioning SandboxStatus = "provisioning"
	SandboxRunning      SandboxStatus = "running"
	SandboxStopping     SandboxStatus = "stopping"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxFailed       SandboxStatus = "failed"
	SandboxDeleted      SandboxStatus = "deleted"
)

// sandboxTransitions is the closed transition relation. Deletion is legal
// from every state, including terminal ones; nothing else ever leaves a
// terminal state.
var sandboxTransitions = map[SandboxStatus][]SandboxStatus{
	SandboxQueued:       {SandboxProvisioning, SandboxFailed, SandboxDeleted},
	SandboxProvisioning: {SandboxRunning, SandboxFailed, SandboxDeleted},
	SandboxRunning:      {SandboxStopping, SandboxFailed, SandboxDeleted},
	SandboxStopping:     {SandboxStopped, SandboxFailed, SandboxDeleted},
	SandboxStopped:      {SandboxDeleted},
	SandboxFailed:       {SandboxDeleted},
	SandboxDeleted:      {},
}

// Valid reports whether s is a member of the closed status set.
func (s SandboxStatus) Valid() bool {
	_, ok := sandboxTransitions[s]
	return ok
}

// Terminal reports whether no further transition except deletion applies.
func (s SandboxStatus) Terminal() bool {
	return s == SandboxStopped || s == SandboxFailed || s == SandboxDeleted
}

// Active reports whether the sandbox counts against the org's concurrency
// quota.
func (s SandboxStatus) Active() bool {
	return s == SandboxQueued || s == SandboxProvisioning || s == SandboxRunning
}

// CanTransition reports whether the state machine permits from -> to.
func (s SandboxStatus) CanTransition(to SandboxStatus) bool {
	for _, t := range sandboxTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ExecStatus is a lifecycle state of an exec.
type ExecStatus string

const (
	ExecQueued   ExecStatus = "queued"
	ExecRunning  ExecStatus = "running"
	ExecDone     ExecStatus = "done"
	ExecFailed   ExecStatus = "failed"
	ExecTimedOut ExecStatus = "timed_out"
)

// execTransitions permits queued to jump straight to a terminal state for
// execs that complete before the start notification is persisted.
var execTransitions = map[ExecStatus][]ExecStatus{
	ExecQueued:   {ExecRunning, ExecDone, ExecFailed, ExecTimedOut},
	ExecRunning:  {ExecDone, ExecFailed, ExecTimedOut},
	ExecDone:     {},
	ExecFailed:   {},
	ExecTimedOut: {},
}

func (s ExecStatus) Valid() bool {
	_, ok := execTransitions[s]
	return ok
}

// Terminal reports whether the exec has finished.
func (s ExecStatus) Terminal() bool {
	return s == ExecDone || s == ExecFailed || s == ExecTimedOut
}

// CanTransition reports whether the exec state machine permits from -> to.
func (s ExecStatus) CanTransition(to ExecStatus) bool {
	for _, t := range execTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// SessionStatus is a lifecycle state of a shell session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionDestroyed SessionStatus = "destroyed"
)

// NodeStatus is the registration state of a host node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining"
	NodeDisabled NodeStatus = "disabled"
)

// Schedulable reports whether the node accepts new placements.
func (s NodeStatus) Schedulable() bool {
	return s == NodeOnline
}

// FailureReason is the closed set of reasons a sandbox can end up failed
// or be terminated by the system.
type FailureReason string

const (
	FailureProvision       FailureReason = "provision_failed"
	FailureCapacityTimeout FailureReason = "capacity_timeout"
	FailureNodeLost        FailureReason = "node_lost"
	FailureTTLExceeded     FailureReason = "ttl_exceeded"
	FailureIdleTimeout     FailureReason = "idle_timeout"
	FailureSandboxDeleted  FailureReason = "sandbox_deleted"
	FailureInternal        FailureReason = "internal_error"
)

func (r FailureReason) Valid() bool {
	switch r {
	case FailureProvision, FailureCapacityTimeout, FailureNodeLost,
		FailureTTLExceeded, FailureIdleTimeout, FailureSandboxDeleted, FailureInternal:
		return true
	}
	return false
}

// CmdFormat distinguishes argv-style commands from shell strings.
type CmdFormat string

const (
	CmdFormatArray CmdFormat = "array"
	CmdFormatShell CmdFormat = "shell"
)

func (f CmdFormat) Valid() bool {
	return f == CmdFormatArray || f == CmdFormatShell
}
