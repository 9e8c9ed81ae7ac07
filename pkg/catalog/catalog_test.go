package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherYAML = `
id: weather
name: Weather Bot
version: "1"
model: claude-sonnet-4-5
persona: You report the weather for ${city}.
tools: [weather_api]
params:
  temperature: 0.2
tags: [demo]
`

const echoJSON = `{
  "id": "echo",
  "version": "1",
  "model": "echo",
  "persona": "You repeat things.",
  "tools": []
}`

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newCatalog(t *testing.T, root string) *Catalog {
	t.Helper()
	c, err := New(context.Background(), Config{Root: root, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func TestLoad(t *testing.T) {
	t.Run("should load yaml and json definitions", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		writeFile(t, root, "nested/echo.json", echoJSON)

		idx, err := Load(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, 2, idx.Len())
		assert.Empty(t, idx.Diagnostics)
		assert.Equal(t, []string{"echo", "weather"}, idx.IDs())

		def, ok := idx.Lookup("weather")
		require.True(t, ok)
		assert.Equal(t, "Weather Bot", def.DisplayName())
		assert.Equal(t, []string{"weather_api"}, def.Tools)
		assert.Equal(t, 0.2, def.Params["temperature"])
		assert.True(t, def.HasTag("demo"))
		assert.Len(t, def.Hash, 64)
		assert.Equal(t, uint64(0), idx.Generation)
	})

	t.Run("should record malformed files as diagnostics", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		writeFile(t, root, "broken.yaml", "id: [unclosed")
		writeFile(t, root, "missing.yaml", "id: nomodel\nversion: \"1\"\npersona: p\ntools: []\n")
		writeFile(t, root, "empty.json", "  ")

		idx, err := Load(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, 1, idx.Len())
		require.Len(t, idx.Diagnostics, 3)

		paths := []string{idx.Diagnostics[0].Path, idx.Diagnostics[1].Path, idx.Diagnostics[2].Path}
		assert.ElementsMatch(t, []string{"broken.yaml", "missing.yaml", "empty.json"}, paths)
	})

	t.Run("should keep the first definition of a duplicate id", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.yaml", weatherYAML)
		writeFile(t, root, "b.yaml", weatherYAML)

		idx, err := Load(context.Background(), root)
		require.NoError(t, err)
		def, _ := idx.Lookup("weather")
		assert.Equal(t, filepath.Join(root, "a.yaml"), def.SourcePath)
		require.Len(t, idx.Diagnostics, 1)
		assert.Equal(t, "b.yaml", idx.Diagnostics[0].Path)
		assert.Contains(t, idx.Diagnostics[0].Message, "duplicate")
	})

	t.Run("should skip hidden entries and other extensions", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, ".hidden/weather.yaml", weatherYAML)
		writeFile(t, root, ".weather.yaml", weatherYAML)
		writeFile(t, root, "README.md", "# agents")

		idx, err := Load(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, 0, idx.Len())
		assert.Empty(t, idx.Diagnostics)
	})

	t.Run("should fail when the root is inaccessible", func(t *testing.T) {
		_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfig)

		var cerr *ConfigError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("should stop when the context is cancelled", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Load(ctx, root)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestVersionedSchemas(t *testing.T) {
	t.Run("should reject unknown keys for the current version", func(t *testing.T) {
		root := t.TempDir()
		path := writeFile(t, root, "x.yaml", weatherYAML+"memory: long\n")

		_, err := ParseFile(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "x.yaml")
	})

	t.Run("should accept a superset for other versions", func(t *testing.T) {
		root := t.TempDir()
		path := writeFile(t, root, "x.yaml", `
id: planner
version: "2"
model: gpt-4o
persona: plan
tools: []
memory: long
`)
		def, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, "2", def.Version)
	})

	t.Run("should reject other versions with wrong v1 types", func(t *testing.T) {
		root := t.TempDir()
		path := writeFile(t, root, "x.yaml", `
id: planner
version: "2"
model: gpt-4o
persona: plan
tools: search
`)
		_, err := ParseFile(path)
		assert.Error(t, err)
	})

	t.Run("should accept a numeric version", func(t *testing.T) {
		root := t.TempDir()
		path := writeFile(t, root, "x.yaml", "id: n\nversion: 1\nmodel: echo\npersona: p\ntools: []\n")
		def, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, "1", def.Version)
	})
}

func TestCatalog(t *testing.T) {
	t.Run("should start at generation one", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		c := newCatalog(t, root)

		assert.Equal(t, uint64(1), c.Generation())
		def, err := c.Get("weather")
		require.NoError(t, err)
		assert.Equal(t, "weather", def.ID)

		_, err = c.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should return same content with a larger generation after invalidate", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		c := newCatalog(t, root)

		before, err := c.Get("weather")
		require.NoError(t, err)
		g1 := c.Generation()

		prev, err := c.Invalidate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, g1, prev)
		assert.Greater(t, c.Generation(), g1)

		after, err := c.Get("weather")
		require.NoError(t, err)
		assert.Equal(t, before.Hash, after.Hash)
		assert.NotSame(t, before, after)
	})

	t.Run("should keep the previous index when reload fails", func(t *testing.T) {
		parent := t.TempDir()
		root := filepath.Join(parent, "agents")
		writeFile(t, root, "weather.yaml", weatherYAML)
		c := newCatalog(t, root)
		g := c.Generation()

		require.NoError(t, os.RemoveAll(root))
		_, err := c.Invalidate(context.Background())
		require.Error(t, err)

		assert.Equal(t, g, c.Generation())
		_, err = c.Get("weather")
		assert.NoError(t, err)
		assert.NotEmpty(t, c.Stats().LastError)
	})

	t.Run("should report stats", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		writeFile(t, root, "echo.json", echoJSON)
		writeFile(t, root, "bad.yaml", "id: [")
		c := newCatalog(t, root)

		s := c.Stats()
		assert.Equal(t, 2, s.EntryCount)
		assert.Equal(t, uint64(1), s.Generation)
		assert.Len(t, s.Diagnostics, 1)
		assert.False(t, s.LastLoadedAt.IsZero())
		assert.Empty(t, s.LastError)
	})

	t.Run("should notify subscribers of swaps", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		c := newCatalog(t, root)

		var got [][2]uint64
		unsubscribe := c.Subscribe(func(prev, next uint64) {
			got = append(got, [2]uint64{prev, next})
		})
		require.NoError(t, c.Reload(context.Background()))
		unsubscribe()
		require.NoError(t, c.Reload(context.Background()))

		assert.Equal(t, [][2]uint64{{1, 2}}, got)
	})

	t.Run("should list definitions sorted", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		writeFile(t, root, "echo.json", echoJSON)
		c := newCatalog(t, root)

		list := c.List()
		require.Len(t, list, 2)
		assert.Equal(t, "echo", list[0].ID)
		assert.Equal(t, "weather", list[1].ID)
	})

	t.Run("should fail to open an inaccessible root", func(t *testing.T) {
		_, err := New(context.Background(), Config{Root: filepath.Join(t.TempDir(), "none"), Logger: zerolog.Nop()})
		assert.ErrorIs(t, err, ErrConfig)
	})
}

func TestConcurrentInvalidate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "weather.yaml", weatherYAML)
	writeFile(t, root, "echo.json", echoJSON)
	c := newCatalog(t, root)

	const writers = 8
	var (
		wg   sync.WaitGroup
		stop = make(chan struct{})
		torn = make(chan string, 1)
	)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				idx := c.Snapshot()
				if idx.Len() != 2 {
					select {
					case torn <- "index with missing entries":
					default:
					}
				}
				if idx.Generation < last {
					select {
					case torn <- "generation went backwards":
					default:
					}
				}
				last = idx.Generation
			}
		}()
	}

	var iw sync.WaitGroup
	prevs := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		iw.Add(1)
		go func() {
			defer iw.Done()
			prev, err := c.Invalidate(context.Background())
			assert.NoError(t, err)
			prevs <- prev
		}()
	}
	iw.Wait()
	close(stop)
	wg.Wait()
	close(prevs)

	select {
	case msg := <-torn:
		t.Fatal(msg)
	default:
	}

	assert.Equal(t, uint64(writers+1), c.Generation())
	seen := map[uint64]bool{}
	for p := range prevs {
		assert.False(t, seen[p], "each swap replaces a distinct generation")
		seen[p] = true
	}
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "weather.yaml", weatherYAML)
	c := newCatalog(t, root)

	w, err := NewWatcher(WatcherConfig{Catalog: c, Stability: 50 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, root, "echo.json", echoJSON)

	require.Eventually(t, func() bool {
		_, err := c.Get("echo")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Greater(t, c.Generation(), uint64(1))

	gen := c.Generation()
	writeFile(t, root, "notes.txt", "ignored")
	writeFile(t, root, ".scratch.yaml", weatherYAML)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, gen, c.Generation())

	require.NoError(t, w.Stop())
}

func TestRefresher(t *testing.T) {
	t.Run("should reject an invalid schedule", func(t *testing.T) {
		root := t.TempDir()
		c := newCatalog(t, root)
		_, err := NewRefresher(RefresherConfig{Catalog: c, Schedule: "whenever"})
		assert.Error(t, err)
	})

	t.Run("should invalidate on schedule", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "weather.yaml", weatherYAML)
		c := newCatalog(t, root)

		r, err := NewRefresher(RefresherConfig{Catalog: c, Schedule: "@every 1s", Logger: zerolog.Nop()})
		require.NoError(t, err)
		r.Start()
		defer r.Stop(context.Background())

		require.Eventually(t, func() bool { return c.Generation() > 1 }, 3*time.Second, 50*time.Millisecond)
	})
}
