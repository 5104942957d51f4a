package driver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/osiris/internal/driver"
)

type stubDriver struct{}

func (stubDriver) Metadata() driver.Metadata {
	return driver.Metadata{Name: "stub.component", Version: "1.0.0", Type: "extractor"}
}

func (stubDriver) Run(_ context.Context, _ string, _ map[string]any, _ driver.Inputs, _ driver.Context) (driver.Outputs, error) {
	return driver.Outputs{"ok": true}, nil
}

func TestRegistryNewConstructsFreshInstance(t *testing.T) {
	reg := driver.NewRegistry()
	calls := 0
	reg.Register("stub.component@1.0.0", func() driver.Driver {
		calls++
		return stubDriver{}
	})

	d1, err := reg.New("stub.component@1.0.0")
	require.NoError(t, err)
	d2, err := reg.New("stub.component@1.0.0")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, d1.Metadata(), d2.Metadata())
}

func TestRegistryNewUnknownRef(t *testing.T) {
	reg := driver.NewRegistry()
	_, err := reg.New("missing@1.0.0")
	require.Error(t, err)
}

func TestRegistryListIsSorted(t *testing.T) {
	reg := driver.NewRegistry()
	reg.Register("b.component@1.0.0", func() driver.Driver { return stubDriver{} })
	reg.Register("a.component@1.0.0", func() driver.Driver { return stubDriver{} })

	assert.Equal(t, []string{"a.component@1.0.0", "b.component@1.0.0"}, reg.List())
}
