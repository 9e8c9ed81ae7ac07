package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/runtimecache"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/tools"
	"github.com/harun/tether/pkg/tools/builtin"
)

const helperAgent = `
id: helper
version: "1"
model: echo
persona: You help.
tools: [notes, clock]
`

type fixture struct {
	root     string
	catalog  *catalog.Catalog
	runtimes *runtimecache.Manager
	sessions *session.Manager
	admin    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: filepath.Join(t.TempDir(), "agents")}
	require.NoError(t, os.MkdirAll(f.root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "helper.yaml"), []byte(helperAgent), 0o644))

	var err error
	f.catalog, err = catalog.New(context.Background(), catalog.Config{Root: f.root, Logger: zerolog.Nop()})
	require.NoError(t, err)

	reg := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, builtin.Register(reg))
	f.runtimes = runtimecache.NewManager(runtimecache.Config{
		Registry: reg,
		Models: model.FactoryFunc(func(id string) (*model.Handle, error) {
			return model.NewHandle(id, model.NewEcho()), nil
		}),
		Logger: zerolog.Nop(),
	})
	f.sessions, err = session.NewManager(session.Config{
		Catalog:  f.catalog,
		Registry: reg,
		Runtimes: f.runtimes,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	f.admin, err = New(Config{
		Catalog:  f.catalog,
		Runtimes: f.runtimes,
		Sessions: f.sessions,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)

	res, err := f.admin.Invalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.PreviousGeneration)
	assert.Equal(t, uint64(2), res.Generation)

	require.NoError(t, f.admin.Reload(context.Background()))
	assert.Equal(t, uint64(3), f.admin.Stats().Generation)

	t.Run("failure keeps the live index", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(f.root))
		_, err := f.admin.Invalidate(context.Background())
		require.Error(t, err)

		st := f.admin.Stats()
		assert.Equal(t, uint64(3), st.Generation)
		assert.Equal(t, 1, st.EntryCount)
		assert.NotEmpty(t, st.LastError)
	})
}

func TestStats(t *testing.T) {
	f := newFixture(t)

	st := f.admin.Stats()
	assert.Equal(t, 1, st.EntryCount)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Zero(t, st.ToolCacheSize)
	assert.Zero(t, st.Sessions)

	ctx := context.Background()
	_, err := f.sessions.Create(ctx, "alice", "helper")
	require.NoError(t, err)
	rt, err := f.sessions.Create(ctx, "bob", "helper")
	require.NoError(t, err)

	_, err = f.runtimes.EntryFor("alice").ToolInstance(builtin.NotesName)
	require.NoError(t, err)
	_, err = rt.CallTool(ctx, builtin.ClockName, map[string]any{})
	require.NoError(t, err)
	_, err = rt.CallTool(ctx, builtin.NotesName, map[string]any{"action": "list"})
	require.NoError(t, err)

	st = f.admin.Stats()
	assert.Equal(t, 3, st.ToolCacheSize)
	assert.Equal(t, 2, st.Users)
	assert.Equal(t, 2, st.Sessions)

	t.Run("reset drops one user's instances", func(t *testing.T) {
		require.NoError(t, f.admin.ResetRuntimes("bob"))
		assert.Equal(t, 1, f.admin.Stats().ToolCacheSize)
	})

	t.Run("reset all", func(t *testing.T) {
		require.NoError(t, f.admin.ResetRuntimes(""))
		assert.Zero(t, f.admin.Stats().ToolCacheSize)
	})
}
