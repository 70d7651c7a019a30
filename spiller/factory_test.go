package spiller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusquery/core"
	"github.com/INLOpen/nexusquery/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileSingleStreamSpillerFactory_Validation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*FactoryOptions)
		wantErr string
	}{
		{
			"no paths",
			func(o *FactoryOptions) { o.SpillPaths = nil },
			"at least one spill path is required",
		},
		{
			"threshold too high",
			func(o *FactoryOptions) { o.MaxUsedSpaceThreshold = 1.5 },
			"outside (0, 1]",
		},
		{
			"threshold negative",
			func(o *FactoryOptions) { o.MaxUsedSpaceThreshold = -0.5 },
			"outside (0, 1]",
		},
		{
			"unknown compression",
			func(o *FactoryOptions) { o.Compression = core.CompressionType(99) },
			"unknown compression type 99",
		},
		{
			"negative prefetch",
			func(o *FactoryOptions) { o.PrefetchPages = -1 },
			"prefetch pages must be at least 1",
		},
		{
			"negative max open files",
			func(o *FactoryOptions) { o.MaxOpenFiles = -5 },
			"max open files must be at least 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := FactoryOptions{
				SpillPaths: []string{t.TempDir()},
				Logger:     discardLogger(),
			}
			tc.mutate(&opts)
			_, err := NewFileSingleStreamSpillerFactory(opts)
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNewFileSingleStreamSpillerFactory_Defaults(t *testing.T) {
	factory, err := NewFileSingleStreamSpillerFactory(FactoryOptions{
		SpillPaths: []string{t.TempDir()},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer factory.Close()

	assert.Equal(t, DefaultMaxUsedSpaceThreshold, factory.threshold)
	assert.Equal(t, DefaultPrefetchPages, factory.prefetch)
	assert.NotNil(t, factory.hooks)
	assert.NotNil(t, factory.stats)
	assert.NotNil(t, factory.fdSlots)
}

func TestNewFileSingleStreamSpillerFactory_CreatesMissingPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "spill")
	factory, err := NewFileSingleStreamSpillerFactory(FactoryOptions{
		SpillPaths: []string{dir},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer factory.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewFileSingleStreamSpillerFactory_SweepsStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, core.FormatSpillFileName("deadbeef"))
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0644))
	keep := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep"), 0644))

	factory, err := NewFileSingleStreamSpillerFactory(FactoryOptions{
		SpillPaths: []string{dir},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	defer factory.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale spill file must be swept")
	_, err = os.Stat(keep)
	assert.NoError(t, err, "unrelated files must survive the sweep")
}

func TestFactory_RoundRobinAcrossPaths(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	factory := newTestFactory(t, func(o *FactoryOptions) {
		o.SpillPaths = []string{first, second}
	})
	memRoot := newTestMemoryRoot()

	a, err := factory.Create("query-1", testSchema(), nil, memRoot)
	require.NoError(t, err)
	defer a.Close()
	b, err := factory.Create("query-2", testSchema(), nil, memRoot)
	require.NoError(t, err)
	defer b.Close()

	mustSpill(t, a, makePage(t, 5))
	mustSpill(t, b, makePage(t, 5))

	assert.Len(t, testutil.ListSpillFiles(t, first), 1)
	assert.Len(t, testutil.ListSpillFiles(t, second), 1)
}

func TestFactory_NoUsablePath(t *testing.T) {
	dir := t.TempDir()
	factory := newTestFactory(t, func(o *FactoryOptions) {
		o.SpillPaths = []string{dir}
	})

	// Removing the directory makes the usage probe fail, so the only
	// configured path is skipped.
	require.NoError(t, os.RemoveAll(dir))
	_, err := factory.Create("query-1", testSchema(), nil, newTestMemoryRoot())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no usable spill directory among 1 configured paths")
}

func TestFactory_CreateValidation(t *testing.T) {
	factory := newTestFactory(t, nil)

	_, err := factory.Create("query-1", core.Schema{}, nil, newTestMemoryRoot())
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid spill schema")

	_, err = factory.Create("query-1", testSchema(), nil, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "a memory context is required")
}

func TestFactory_TracksActiveSpillers(t *testing.T) {
	factory := newTestFactory(t, nil)
	memRoot := newTestMemoryRoot()

	assert.Equal(t, 0, factory.ActiveSpillers())

	s, err := factory.Create("query-1", testSchema(), nil, memRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.ActiveSpillers())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, factory.ActiveSpillers())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, factory.ActiveSpillers())
}

func TestFactory_CloseForcesSpillersClosed(t *testing.T) {
	dir := t.TempDir()
	factory := newTestFactory(t, func(o *FactoryOptions) { o.SpillPaths = []string{dir} })
	memRoot := newTestMemoryRoot()

	a, err := factory.Create("query-1", testSchema(), nil, memRoot)
	require.NoError(t, err)
	b, err := factory.Create("query-2", testSchema(), nil, memRoot)
	require.NoError(t, err)
	mustSpill(t, a, makePage(t, 10))
	require.Equal(t, 2, factory.ActiveSpillers())

	require.NoError(t, factory.Close())

	assert.Equal(t, 0, factory.ActiveSpillers())
	assert.Empty(t, testutil.ListSpillFiles(t, dir))
	assert.Equal(t, int64(0), memRoot.Bytes())

	future := a.Spill(context.Background(), makePage(t, 5))
	require.True(t, future.IsDone())
	assert.ErrorIs(t, future.Err(), ErrSpillerClosed)

	_, err = factory.Create("query-3", testSchema(), nil, memRoot)
	assert.ErrorIs(t, err, ErrFactoryClosed)

	require.NoError(t, factory.Close())

	future = b.Spill(context.Background(), makePage(t, 5))
	require.True(t, future.IsDone())
	assert.ErrorIs(t, future.Err(), ErrSpillerClosed)
}
