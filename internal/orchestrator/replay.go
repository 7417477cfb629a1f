package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"sort"

	"github.com/sandchest/sandchest/internal/apierror"
	"github.com/sandchest/sandchest/internal/nodewire"
	"github.com/sandchest/sandchest/internal/store"
)

// ReplayBundle is the aggregate record used to reproduce a sandbox's
// history: metadata, execs, sessions, artifacts, the fork subtree, and a
// pointer to the event stream.
type ReplayBundle struct {
	Version         int               `json:"version"`
	SandboxID       string            `json:"sandbox_id"`
	Status          string            `json:"status"`
	Image           string            `json:"image"`
	Profile         string            `json:"profile"`
	StartedAt       *string           `json:"started_at,omitempty"`
	EndedAt         *string           `json:"ended_at,omitempty"`
	TotalDurationMs *int64            `json:"total_duration_ms,omitempty"`
	ForkedFrom      string            `json:"forked_from,omitempty"`
	ForkTree        *ForkTreeNode     `json:"fork_tree"`
	Execs           []*store.Exec     `json:"execs"`
	Sessions        []*store.Session  `json:"sessions"`
	Artifacts       []*store.Artifact `json:"artifacts"`
	EventsURL       string            `json:"events_url"`
}

// ForkTreeNode is one sandbox in the lineage tree.
type ForkTreeNode struct {
	SandboxID  string              `json:"sandbox_id"`
	Status     store.SandboxStatus `json:"status"`
	ForkedFrom string              `json:"forked_from,omitempty"`
	ForkedAt   string              `json:"forked_at"`
	Children   []*ForkTreeNode     `json:"children"`
}

const replayBundleVersion = 1

// timeLayout matches the API's microsecond ISO-8601 rendering.
const timeLayout = "2006-01-02T15:04:05.999999Z07:00"

// BuildReplayBundle assembles the bundle for a sandbox the caller is
// already authorized to view. eventsURL is the caller-relative SSE path.
func (o *Orchestrator) BuildReplayBundle(ctx context.Context, sb *store.Sandbox, eventsURL string) (*ReplayBundle, error) {
	execs, err := o.store.ListExecsForReplay(ctx, sb.ID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	sessions, _, err := o.store.ListSessions(ctx, sb.OrgID, sb.ID, store.ListOptions{Limit: store.MaxListLimit})
	if err != nil {
		return nil, apierror.Internal(err)
	}
	artifacts, _, err := o.store.ListArtifacts(ctx, sb.OrgID, sb.ID, store.ListOptions{Limit: store.MaxListLimit})
	if err != nil {
		return nil, apierror.Internal(err)
	}
	tree, err := o.buildForkTree(ctx, sb)
	if err != nil {
		return nil, err
	}

	bundle := &ReplayBundle{
		Version:    replayBundleVersion,
		SandboxID:  sb.ID,
		Status:     "in_progress",
		Image:      sb.ImageRef,
		Profile:    sb.ProfileName,
		Execs:      execs,
		Sessions:   sessions,
		Artifacts:  artifacts,
		ForkedFrom: sb.ForkedFrom,
		ForkTree:   tree,
		EventsURL:  eventsURL,
	}
	if sb.Status.Terminal() {
		bundle.Status = "complete"
	}
	if sb.StartedAt != nil {
		s := sb.StartedAt.UTC().Format(timeLayout)
		bundle.StartedAt = &s
	}
	if sb.EndedAt != nil {
		e := sb.EndedAt.UTC().Format(timeLayout)
		bundle.EndedAt = &e
		if sb.StartedAt != nil {
			ms := sb.EndedAt.Sub(*sb.StartedAt).Milliseconds()
			bundle.TotalDurationMs = &ms
		}
	}
	return bundle, nil
}

// buildForkTree returns the subtree rooted at the sandbox's root
// ancestor, children ordered by creation time.
func (o *Orchestrator) buildForkTree(ctx context.Context, sb *store.Sandbox) (*ForkTreeNode, error) {
	rows, err := o.store.GetForkTree(ctx, sb.OrgID, sb.ID)
	if err != nil {
		return nil, apierror.Internal(err)
	}

	nodes := make(map[string]*ForkTreeNode, len(rows))
	byID := make(map[string]*store.Sandbox, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
		nodes[row.ID] = &ForkTreeNode{
			SandboxID:  row.ID,
			Status:     row.Status,
			ForkedFrom: row.ForkedFrom,
			ForkedAt:   row.CreatedAt.UTC().Format(timeLayout),
			Children:   []*ForkTreeNode{},
		}
	}

	var root *ForkTreeNode
	for _, row := range rows {
		node := nodes[row.ID]
		if row.ForkedFrom == "" || nodes[row.ForkedFrom] == nil {
			root = node
			continue
		}
		parent := nodes[row.ForkedFrom]
		parent.Children = append(parent.Children, node)
	}
	for _, node := range nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return byID[node.Children[i].SandboxID].CreatedAt.Before(byID[node.Children[j].SandboxID].CreatedAt)
		})
	}
	if root == nil {
		root = nodes[sb.ID]
	}
	return root, nil
}

// ReplayEvents returns the sandbox's replay events with seq > afterSeq.
// Live sandboxes are served from the KV buffer; once the buffer has been
// flushed the durable JSONL object backs the stream.
func (o *Orchestrator) ReplayEvents(ctx context.Context, sandboxID string, afterSeq int64) ([]nodewire.StreamEvent, error) {
	raw, err := o.kv.ListReplayEvents(ctx, sandboxID)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if len(raw) == 0 {
		raw = o.readFlushedReplay(ctx, sandboxID)
	}
	return decodeEvents(raw, afterSeq), nil
}

func (o *Orchestrator) readFlushedReplay(ctx context.Context, sandboxID string) [][]byte {
	data, err := o.objects.GetReplayLog(ctx, sandboxID)
	if err != nil {
		// Absent object means the sandbox produced no events.
		return nil
	}
	var out [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		out = append(out, cp)
	}
	return out
}
