// Package nodewire defines the wire protocol between the control plane
// and node daemons: a single bidirectional StreamEvents RPC whose frames
// are JSON-encoded tagged unions. Exactly one payload field is set per
// frame; request_id correlates control commands with node responses.
package nodewire

import "time"

// NodeMessage is a frame sent by a node daemon to the control plane.
type NodeMessage struct {
	RequestID string `json:"request_id,omitempty"`

	Registration   *NodeRegistration `json:"registration,omitempty"`
	Heartbeat      *Heartbeat        `json:"heartbeat,omitempty"`
	ExecOutput     *ExecOutput       `json:"exec_output,omitempty"`
	SessionOutput  *SessionOutput    `json:"session_output,omitempty"`
	ExecCompleted  *ExecCompleted    `json:"exec_completed,omitempty"`
	SandboxEvent   *SandboxEvent     `json:"sandbox_event,omitempty"`
	ArtifactReport *ArtifactReport   `json:"artifact_report,omitempty"`

	// Responses to control commands.
	Ack         *CommandAck  `json:"ack,omitempty"`
	ExecResult  *ExecResult  `json:"exec_result,omitempty"`
	SessionInfo *SessionInfo `json:"session_info,omitempty"`
	FileChunk   *FileChunk   `json:"file_chunk,omitempty"`
	FileList    *FileList    `json:"file_list,omitempty"`
	ErrorReport *ErrorReport `json:"error_report,omitempty"`
}

// ControlMessage is a frame sent by the control plane to a node daemon.
type ControlMessage struct {
	RequestID string `json:"request_id,omitempty"`

	RegistrationAck *RegistrationAck `json:"registration_ack,omitempty"`

	CreateSandbox             *CreateSandbox `json:"create_sandbox,omitempty"`
	CreateSandboxFromSnapshot *CreateSandbox `json:"create_sandbox_from_snapshot,omitempty"`
	ForkSandbox               *ForkSandbox   `json:"fork_sandbox,omitempty"`
	StopSandbox               *SandboxRef    `json:"stop_sandbox,omitempty"`
	DestroySandbox            *SandboxRef    `json:"destroy_sandbox,omitempty"`

	Exec           *ExecRequest   `json:"exec,omitempty"`
	KillExec       *ExecRef       `json:"kill_exec,omitempty"`
	CreateSession  *CreateSession `json:"create_session,omitempty"`
	SessionExec    *SessionExec   `json:"session_exec,omitempty"`
	SessionInput   *SessionInput  `json:"session_input,omitempty"`
	DestroySession *SessionRef    `json:"destroy_session,omitempty"`

	PutFile          *PutFile          `json:"put_file,omitempty"`
	GetFile          *FileRef          `json:"get_file,omitempty"`
	ListFiles        *FileRef          `json:"list_files,omitempty"`
	DeleteFile       *FileRef          `json:"delete_file,omitempty"`
	CollectArtifacts *CollectArtifacts `json:"collect_artifacts,omitempty"`
}

// NodeRegistration is the first frame a daemon sends after connecting.
type NodeRegistration struct {
	NodeName   string `json:"node_name"`
	Hostname   string `json:"hostname"`
	Version    string `json:"version"`
	SlotsTotal int    `json:"slots_total"`
}

// RegistrationAck confirms the registration and carries the server-side
// node id the daemon must use from then on.
type RegistrationAck struct {
	Accepted       bool   `json:"accepted"`
	AssignedNodeID string `json:"assigned_node_id"`
	Message        string `json:"message,omitempty"`
}

type Heartbeat struct {
	ActiveSandboxes int   `json:"active_sandboxes"`
	FreeSlots       int   `json:"free_slots"`
	FreeMemoryMB    int64 `json:"free_memory_mb"`
}

// ExecOutput streams a chunk of stdout or stderr from a running exec.
type ExecOutput struct {
	SandboxID string `json:"sandbox_id"`
	ExecID    string `json:"exec_id"`
	Stream    string `json:"stream"` // stdout or stderr
	Data      []byte `json:"data"`
}

type SessionOutput struct {
	SandboxID string `json:"sandbox_id"`
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// ExecCompleted carries the terminal result of an exec, including one
// started asynchronously.
type ExecCompleted struct {
	SandboxID       string `json:"sandbox_id"`
	ExecID          string `json:"exec_id"`
	ExitCode        int    `json:"exit_code"`
	TimedOut        bool   `json:"timed_out"`
	Failed          bool   `json:"failed"`
	Error           string `json:"error,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	CPUMs           int64  `json:"cpu_ms"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes"`
}

// SandboxEvent reports a lifecycle change observed on the node.
// Kind is one of created, ready, stopped, failed, forked, ttl_warning.
type SandboxEvent struct {
	SandboxID string `json:"sandbox_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
}

// ArtifactReport announces a collected artifact already uploaded by the
// node to object storage.
type ArtifactReport struct {
	SandboxID string `json:"sandbox_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Mime      string `json:"mime,omitempty"`
	Bytes     int64  `json:"bytes"`
	SHA256    string `json:"sha256"`
	Ref       string `json:"ref"`
}

// CommandAck is the generic success/failure response to a control command.
type CommandAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type CreateSandbox struct {
	SandboxID   string            `json:"sandbox_id"`
	Slot        int               `json:"slot"`
	ImageURI    string            `json:"image_uri"`
	VCPUs       int               `json:"vcpus"`
	MemoryMB    int               `json:"memory_mb"`
	Env         map[string]string `json:"env,omitempty"`
	SnapshotRef string            `json:"snapshot_ref,omitempty"`
}

type ForkSandbox struct {
	ParentID  string            `json:"parent_id"`
	SandboxID string            `json:"sandbox_id"`
	Slot      int               `json:"slot"`
	Env       map[string]string `json:"env,omitempty"`
}

type SandboxRef struct {
	SandboxID string `json:"sandbox_id"`
}

type ExecRequest struct {
	SandboxID      string            `json:"sandbox_id"`
	ExecID         string            `json:"exec_id"`
	Argv           []string          `json:"argv"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

type ExecRef struct {
	SandboxID string `json:"sandbox_id"`
	ExecID    string `json:"exec_id"`
}

// ExecResult is the synchronous response to an Exec command with buffered
// output. Streaming chunks arrive separately as ExecOutput frames.
type ExecResult struct {
	ExecID          string `json:"exec_id"`
	ExitCode        int    `json:"exit_code"`
	TimedOut        bool   `json:"timed_out"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	CPUMs           int64  `json:"cpu_ms"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes"`
}

type CreateSession struct {
	SandboxID string            `json:"sandbox_id"`
	SessionID string            `json:"session_id"`
	Shell     string            `json:"shell"`
	Env       map[string]string `json:"env,omitempty"`
}

type SessionExec struct {
	SandboxID      string   `json:"sandbox_id"`
	SessionID      string   `json:"session_id"`
	ExecID         string   `json:"exec_id"`
	Argv           []string `json:"argv"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// SessionInput forwards raw bytes to the session's pty without framing.
type SessionInput struct {
	SandboxID string `json:"sandbox_id"`
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type SessionRef struct {
	SandboxID string `json:"sandbox_id"`
	SessionID string `json:"session_id"`
}

type SessionInfo struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type PutFile struct {
	SandboxID string `json:"sandbox_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data"`
	Batch     bool   `json:"batch"`
}

type FileRef struct {
	SandboxID string `json:"sandbox_id"`
	Path      string `json:"path"`
}

type FileChunk struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

type FileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // file or dir
}

type FileList struct {
	Files []FileEntry `json:"files"`
}

type CollectArtifacts struct {
	SandboxID string   `json:"sandbox_id"`
	Paths     []string `json:"paths"`
}

type ErrorReport struct {
	SandboxID string `json:"sandbox_id,omitempty"`
	Error     string `json:"error"`
	Context   string `json:"context,omitempty"`
}

// StreamEvent is the stored form of an exec or replay buffer entry.
// Seq is assigned by the owning controller before the push; the KV list
// preserves insertion order.
type StreamEvent struct {
	Seq           int64     `json:"seq"`
	TS            time.Time `json:"ts"`
	Type          string    `json:"t"` // stdout, stderr, exit, sandbox, session
	Data          string    `json:"data,omitempty"`
	Code          *int      `json:"code,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	ResourceUsage *Usage    `json:"resource_usage,omitempty"`
	Kind          string    `json:"kind,omitempty"`
}

type Usage struct {
	CPUMs           int64 `json:"cpu_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
}
