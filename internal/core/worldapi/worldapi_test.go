package worldapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCellGridPassableBounds(t *testing.T) {
	grid := &CellGrid{
		Width:  2,
		Height: 2,
		Cells:  []byte{NSWEAll, 0, NSWENorth, NSWEAll},
	}

	require.True(t, grid.Passable(0, 0))
	require.False(t, grid.Passable(1, 0))
	require.True(t, grid.Passable(0, 1))
	require.True(t, grid.Passable(1, 1))

	require.False(t, grid.Passable(-1, 0))
	require.False(t, grid.Passable(2, 0))
	require.False(t, grid.Passable(0, 2))
}
