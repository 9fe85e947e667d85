package reflector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct{}

func TestTypeInfo(t *testing.T) {
	want := "github.com/APiercey/commanded/internal/reflector.sample"

	ti := TypeInfoFor[sample]()
	require.Equal(t, want, ti.Name)

	// Pointers unwrap to the element type.
	assert.Equal(t, want, TypeInfoOf(&sample{}).Name)
	assert.Equal(t, want, TypeInfoOf(&sample{}).Name, "cached lookup is stable")
	assert.Equal(t, want, TypeInfoFor[**sample]().Name)

	assert.Empty(t, TypeInfoForType(nil).Name)
}
