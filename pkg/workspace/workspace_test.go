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
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SaveAndList(t *testing.T) {
	ws, err := NewLocal(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := ws.SaveSnapshot(ctx, "researcher", map[string][]byte{
		"answer.md":     []byte("final answer"),
		"notes/plan.md": []byte("plan"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	content, err := os.ReadFile(filepath.Join(ws.Root(), "researcher", string(id), "answer.md"))
	require.NoError(t, err)
	assert.Equal(t, "final answer", string(content))

	infos, err := ws.List(ctx, "researcher")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"answer.md", "notes/plan.md"}, infos[0].Files)

	infos, err = ws.List(ctx, "skeptic")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestLocal_SnapshotsAreOrdered(t *testing.T) {
	ws, err := NewLocal(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := ws.SaveSnapshot(ctx, "a", map[string][]byte{"v1.md": []byte("one")})
	require.NoError(t, err)
	second, err := ws.SaveSnapshot(ctx, "a", map[string][]byte{"v2.md": []byte("two")})
	require.NoError(t, err)

	infos, err := ws.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].ID)
	assert.Equal(t, second, infos[1].ID)
}

func TestLocal_CopySnapshot(t *testing.T) {
	ws, err := NewLocal(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := ws.SaveSnapshot(ctx, "winner", map[string][]byte{"answer.md": []byte("deliverable")})
	require.NoError(t, err)

	require.NoError(t, ws.CopySnapshot(ctx, id, "presenter"))
	content, err := os.ReadFile(filepath.Join(ws.Root(), "presenter", string(id), "answer.md"))
	require.NoError(t, err)
	assert.Equal(t, "deliverable", string(content))

	err = ws.CopySnapshot(ctx, "no-such-snapshot", "presenter")
	assert.ErrorIs(t, err, ErrUnknownSnapshot)
}

func TestLocal_RejectsBadInput(t *testing.T) {
	ws, err := NewLocal(t.TempDir(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ws.SaveSnapshot(ctx, "", map[string][]byte{"a": nil})
	assert.Error(t, err)

	_, err = ws.SaveSnapshot(ctx, "a", nil)
	assert.Error(t, err)

	_, err = ws.SaveSnapshot(ctx, "a", map[string][]byte{"../escape.md": []byte("x")})
	assert.Error(t, err, "path traversal is rejected")

	_, err = ws.SaveSnapshot(ctx, "a", map[string][]byte{"/abs.md": []byte("x")})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	info := SnapshotInfo{Files: []string{"answer.md", "notes/plan.md"}}
	assert.Equal(t, []string{"agent2/answer.md", "agent2/notes/plan.md"}, Describe(info, "agent2"))
}
