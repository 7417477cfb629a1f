// Package registry tracks node daemons currently connected over gRPC.
// It is in-memory only; the store keeps the durable node records.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sandchest/sandchest/internal/nodewire"
)

// NodeStream is the interface for sending control frames to a connected node.
type NodeStream interface {
	Send(msg *nodewire.ControlMessage) error
}

// ConnectedNode represents a node daemon with an active stream.
type ConnectedNode struct {
	NodeID          string
	Name            string
	Hostname        string
	Stream          NodeStream
	LastHeartbeat   time.Time
	SlotsTotal      int
	ActiveSandboxes int
	FreeSlots       int
}

// Registry tracks all currently connected nodes in memory.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*ConnectedNode
}

// New creates an empty node registry.
func New() *Registry {
	return &Registry{
		nodes: make(map[string]*ConnectedNode),
	}
}

// Register adds or replaces a connected node in the registry.
func (r *Registry) Register(nodeID, name, hostname string, slotsTotal int, stream NodeStream) error {
	if nodeID == "" {
		return fmt.Errorf("node ID must not be empty")
	}
	if stream == nil {
		return fmt.Errorf("stream must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[nodeID] = &ConnectedNode{
		NodeID:        nodeID,
		Name:          name,
		Hostname:      hostname,
		Stream:        stream,
		SlotsTotal:    slotsTotal,
		FreeSlots:     slotsTotal,
		LastHeartbeat: time.Now(),
	}
	return nil
}

// Unregister removes a node from the registry.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// GetNode returns a value copy of the connected node for the given ID, if present.
func (r *Registry) GetNode(nodeID string) (ConnectedNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return ConnectedNode{}, false
	}
	return *n, ok
}

// ListConnected returns value copies of all currently connected nodes.
func (r *Registry) ListConnected() []ConnectedNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ConnectedNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		result = append(result, *n)
	}
	return result
}

// UpdateHeartbeat records the latest heartbeat time and counts for a node.
func (r *Registry) UpdateHeartbeat(nodeID string, activeSandboxes, freeSlots int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastHeartbeat = time.Now()
		n.ActiveSandboxes = activeSandboxes
		n.FreeSlots = freeSlots
	}
}

// Touch refreshes only the heartbeat timestamp.
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastHeartbeat = time.Now()
	}
}

// Connected reports whether a node has an active stream.
func (r *Registry) Connected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}
