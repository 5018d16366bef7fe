package worldapi

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestGrid(t *testing.T, width, height uint32, cells []byte) string {
	t.Helper()
	buf := make([]byte, 8+len(cells))
	binary.LittleEndian.PutUint32(buf[0:4], width)
	binary.LittleEndian.PutUint32(buf[4:8], height)
	copy(buf[8:], cells)

	path := filepath.Join(t.TempDir(), "test.grid")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestFileMapLoaderRoundTrip(t *testing.T) {
	path := writeTestGrid(t, 2, 2, []byte{NSWEAll, 0, NSWEAll, NSWEAll})

	loader := NewFileMapLoader()
	grid, err := loader.Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, int32(2), grid.Width)
	require.Equal(t, int32(2), grid.Height)
	require.True(t, grid.Passable(0, 0))
	require.False(t, grid.Passable(1, 0))
}

func TestFileMapLoaderRejectsShortPayload(t *testing.T) {
	path := writeTestGrid(t, 4, 4, []byte{NSWEAll}) // declares 16 cells, supplies 1

	loader := NewFileMapLoader()
	_, err := loader.Load(context.Background(), path)
	require.Error(t, err)
}

func TestFileMapLoaderRejectsMissingFile(t *testing.T) {
	loader := NewFileMapLoader()
	_, err := loader.Load(context.Background(), filepath.Join(t.TempDir(), "missing.grid"))
	require.Error(t, err)
}
