package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/callfang/internal/backend"
)

type fakeBackend struct {
	name string
}

func (f fakeBackend) Descriptor() backend.Descriptor {
	return backend.Descriptor{Name: f.name, Languages: []string{"c"}}
}

func (f fakeBackend) CheckPrerequisites(_ context.Context) []string {
	return nil
}

func (f fakeBackend) Analyze(_ context.Context, _ backend.Request) (*backend.Result, error) {
	return &backend.Result{Backend: f.name}, nil
}

func TestNewRegistry_PreservesOrder(t *testing.T) {
	t.Parallel()

	registry, err := backend.NewRegistry(fakeBackend{name: "svf"}, fakeBackend{name: "alt"})
	require.NoError(t, err)

	assert.Equal(t, []string{"svf", "alt"}, registry.Names())

	descriptors := registry.All()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "svf", descriptors[0].Name)
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := backend.NewRegistry(fakeBackend{name: "svf"}, fakeBackend{name: "svf"})
	require.ErrorIs(t, err, backend.ErrDuplicateBackend)
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()

	registry, err := backend.NewRegistry(fakeBackend{name: "svf"})
	require.NoError(t, err)

	b, err := registry.Get("svf")
	require.NoError(t, err)
	assert.Equal(t, "svf", b.Descriptor().Name)

	_, err = registry.Get("nope")
	require.ErrorIs(t, err, backend.ErrUnknownBackend)
	assert.Contains(t, err.Error(), "nope")
}
