package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/sectioncfg"
)

func testConfig(t *testing.T, path string) *sectioncfg.Config {
	cfg := sectioncfg.New()

	s := sectioncfg.NewSection("dir", "mydir")
	s.Set("path", path)
	s.Set("content", "images")
	cfg.Put(s)

	return cfg
}

func TestResolveActivatesOnce(t *testing.T) {
	cfg := testConfig(t, t.TempDir())

	rec := &runner.Recording{}
	f := New(nil)
	f.Runner = rec

	_, d1, err := f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{})
	require.NoError(t, err)
	assert.NotNil(t, d1)

	_, d2, err := f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{})
	require.NoError(t, err)
	assert.NotNil(t, d2)

	// ActivateStorage for the dir backend doesn't call the runner, but
	// resolving twice must still only mark the storage activated once.
	f.mu.Lock()
	count := 0
	if f.activated["mydir"] {
		count = 1
	}
	f.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestResolveRejectsDisabled(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	s, _ := cfg.Get("mydir")
	s.Set("disable", "1")

	f := New(nil)

	_, _, err := f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{})
	assert.ErrorIs(t, err, ErrDisabled)

	section, driver, err := f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{NoErr: true})
	require.NoError(t, err)
	assert.NotNil(t, section)
	assert.NotNil(t, driver)
}

func TestResolveRejectsWrongNode(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	s, _ := cfg.Get("mydir")
	s.Set("nodes", "node-a,node-b")

	f := New(nil)

	_, _, err := f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{LocalNode: "node-c"})
	assert.ErrorIs(t, err, ErrDisabled)

	_, _, err = f.Resolve(context.Background(), cfg, "mydir", ResolveOpts{LocalNode: "node-a"})
	assert.NoError(t, err)
}

func TestResolveUnknownStorage(t *testing.T) {
	cfg := sectioncfg.New()
	f := New(nil)

	_, _, err := f.Resolve(context.Background(), cfg, "nope", ResolveOpts{})
	assert.Error(t, err)
}
