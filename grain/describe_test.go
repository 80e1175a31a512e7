package grain_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acopio/contract-ledger/grain"
	"github.com/acopio/contract-ledger/grain/store"
)

type countingGrains struct {
	grains []grain.GrainDescriptor
	err    error
	calls  int
}

func (c *countingGrains) Grains(context.Context) ([]grain.GrainDescriptor, error) {
	c.calls++
	return c.grains, c.err
}

func TestDescriptorMap_FallsBackToCode(t *testing.T) {
	assert.Equal(t, "SOJA", testGrains.Describe(" 1 "))
	assert.Equal(t, "42", testGrains.Describe("42"))
}

func TestDescriptorResolver_LoadsOnce(t *testing.T) {
	src := &countingGrains{grains: []grain.GrainDescriptor{
		{Code: " 1", Description: "SOJA "},
		{Code: "2", Description: ""},
	}}
	r := grain.NewDescriptorResolver(src, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, r.Ensure(ctx))
	require.NoError(t, r.Ensure(ctx))

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, "SOJA", r.Describe("1"))
	assert.Equal(t, "2", r.Describe("2"), "empty description keeps the code")
	assert.Equal(t, "7", r.Describe("7"))
}

func TestDescriptorResolver_ReloadFailureKeepsPrevious(t *testing.T) {
	src := &countingGrains{grains: []grain.GrainDescriptor{{Code: "1", Description: "SOJA"}}}
	r := grain.NewDescriptorResolver(src, 0, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))

	src.err = errors.New("disk gone")
	err := r.Reload(ctx)

	assert.ErrorIs(t, err, grain.ErrSourceUnavailable)
	assert.Equal(t, "SOJA", r.Describe("1"))
}

func TestDescriptorResolver_MissingTable(t *testing.T) {
	mem := store.NewMemory()
	mem.Drop(grain.TableGrains)
	r := grain.NewDescriptorResolver(mem, time.Minute, nil)

	err := r.Ensure(context.Background())

	assert.ErrorIs(t, err, grain.ErrSourceUnavailable)
	assert.ErrorIs(t, err, grain.ErrNotFound)
	assert.Equal(t, "1", r.Describe("1"))
}

func TestDescriptorResolver_ReloadIsAtomicForReaders(t *testing.T) {
	// GIVEN: A loaded resolver
	// WHEN: Describe runs while the table is reloaded repeatedly
	// THEN: Readers always get the description, never the raw code

	src := &countingGrains{grains: []grain.GrainDescriptor{
		{Code: "1", Description: "SOJA"},
		{Code: "2", Description: "MAIZ"},
	}}
	r := grain.NewDescriptorResolver(src, time.Hour, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))

	var (
		misses atomic.Int64
		stop   atomic.Bool
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if r.Describe("1") != "SOJA" {
					misses.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		require.NoError(t, r.Reload(ctx))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, misses.Load())
	assert.Equal(t, 501, src.calls)
}

func TestDescriptorResolver_ReloadDropsRemovedCodes(t *testing.T) {
	src := &countingGrains{grains: []grain.GrainDescriptor{{Code: "1", Description: "SOJA"}, {Code: "2", Description: "MAIZ"}}}
	r := grain.NewDescriptorResolver(src, 0, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))

	src.grains = []grain.GrainDescriptor{{Code: "1", Description: "SOYBEAN"}}
	require.NoError(t, r.Reload(ctx))

	assert.Equal(t, "SOYBEAN", r.Describe("1"))
	assert.Equal(t, "2", r.Describe("2"))
	require.NoError(t, r.Ensure(ctx))
	assert.Equal(t, 2, src.calls, "ttl <= 0 keeps the table until an explicit reload")
}
