// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package workspace is the filesystem collaborator of the coordination core.
// The orchestrator saves a snapshot of an agent's work products when the
// agent records an answer, and copies the winner's snapshot into the
// presentation context. Agents without a workspace simply skip the workspace
// section of their system message.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/massgen/pkg/observability"
)

// SnapshotID identifies one saved snapshot.
type SnapshotID string

// SnapshotInfo describes a saved snapshot without its contents.
type SnapshotInfo struct {
	ID        SnapshotID `json:"id"`
	AgentID   string     `json:"agent_id"`
	Files     []string   `json:"files"`
	CreatedAt time.Time  `json:"created_at"`
}

var (
	// ErrUnknownSnapshot is returned for snapshot IDs the workspace never
	// issued.
	ErrUnknownSnapshot = errors.New("unknown snapshot")
)

// Workspace saves and exposes per-agent file snapshots.
//
// Implementations must be safe for concurrent use: multiple agent turns save
// snapshots at the same time.
type Workspace interface {
	// SaveSnapshot stores files as a new immutable snapshot for agentID.
	SaveSnapshot(ctx context.Context, agentID string, files map[string][]byte) (SnapshotID, error)

	// CopySnapshot materializes an existing snapshot's files under
	// toAgentID's directory, so the receiving agent sees the work products.
	CopySnapshot(ctx context.Context, id SnapshotID, toAgentID string) error

	// List returns the snapshots saved for agentID, oldest first.
	List(ctx context.Context, agentID string) ([]SnapshotInfo, error)
}

// Local implements Workspace on a local directory with the layout
// <root>/<agent>/<snapshot-uuid>/<file>. Snapshots are immutable once saved.
type Local struct {
	root string

	mu    sync.RWMutex
	index map[SnapshotID]SnapshotInfo

	tracer observability.Tracer
	logger *zap.Logger
}

// NewLocal creates a local workspace rooted at root. An empty root uses a
// fresh temporary directory. Tracer and logger may be nil.
func NewLocal(root string, tracer observability.Tracer, logger *zap.Logger) (*Local, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", "massgen-workspace-*")
		if err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
		root = dir
	} else if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		root:   root,
		index:  make(map[SnapshotID]SnapshotInfo),
		tracer: tracer,
		logger: logger,
	}, nil
}

// Root returns the workspace root directory.
func (w *Local) Root() string { return w.root }

// SaveSnapshot implements Workspace.
func (w *Local) SaveSnapshot(ctx context.Context, agentID string, files map[string][]byte) (SnapshotID, error) {
	_, span := w.tracer.StartSpan(ctx, observability.SpanSnapshotSave,
		observability.WithAttribute(observability.AttrAgentID, agentID))
	defer w.tracer.EndSpan(span)

	if agentID == "" {
		return "", errors.New("agent ID must not be empty")
	}
	if len(files) == 0 {
		return "", errors.New("snapshot requires at least one file")
	}

	id := SnapshotID(uuid.New().String())
	dir := filepath.Join(w.root, agentID, string(id))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	names := make([]string, 0, len(files))
	for name, content := range files {
		clean := filepath.Clean(name)
		if clean == "." || filepath.IsAbs(clean) || len(clean) >= 2 && clean[:2] == ".." {
			return "", fmt.Errorf("invalid snapshot file name %q", name)
		}
		path := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return "", fmt.Errorf("create snapshot subdir: %w", err)
		}
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return "", fmt.Errorf("write snapshot file %s: %w", clean, err)
		}
		names = append(names, clean)
	}
	sort.Strings(names)

	info := SnapshotInfo{
		ID:        id,
		AgentID:   agentID,
		Files:     names,
		CreatedAt: time.Now(),
	}
	w.mu.Lock()
	w.index[id] = info
	w.mu.Unlock()

	w.logger.Debug("snapshot saved",
		zap.String("agent_id", agentID),
		zap.String("snapshot_id", string(id)),
		zap.Int("files", len(names)))
	return id, nil
}

// CopySnapshot implements Workspace.
func (w *Local) CopySnapshot(ctx context.Context, id SnapshotID, toAgentID string) error {
	_, span := w.tracer.StartSpan(ctx, observability.SpanSnapshotCopy,
		observability.WithAttribute(observability.AttrAgentID, toAgentID))
	defer w.tracer.EndSpan(span)

	w.mu.RLock()
	info, ok := w.index[id]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSnapshot, id)
	}

	srcDir := filepath.Join(w.root, info.AgentID, string(id))
	dstDir := filepath.Join(w.root, toAgentID, string(id))
	for _, name := range info.Files {
		content, err := os.ReadFile(filepath.Join(srcDir, name)) // #nosec G304 -- paths come from the snapshot index
		if err != nil {
			return fmt.Errorf("read snapshot file %s: %w", name, err)
		}
		path := filepath.Join(dstDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create copy dir: %w", err)
		}
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return fmt.Errorf("write copy %s: %w", name, err)
		}
	}

	w.logger.Debug("snapshot copied",
		zap.String("snapshot_id", string(id)),
		zap.String("from", info.AgentID),
		zap.String("to", toAgentID))
	return nil
}

// List implements Workspace.
func (w *Local) List(ctx context.Context, agentID string) ([]SnapshotInfo, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []SnapshotInfo
	for _, info := range w.index {
		if info.AgentID == agentID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Describe renders one line per file of a snapshot for the system message
// workspace section, e.g. "agent2/answer.md".
func Describe(info SnapshotInfo, alias string) []string {
	out := make([]string, len(info.Files))
	for i, f := range info.Files {
		out[i] = alias + "/" + f
	}
	return out
}

var _ Workspace = (*Local)(nil)
