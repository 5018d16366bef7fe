package worldapi

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
)

// FileMapLoader is the reference MapLoader adapter: it reads the flattened
// CellGrid binary format written by grid encoders elsewhere in the world
// tooling (width uint32, height uint32, then width*height NSWE bytes).
// It exists so MapLoader has at least one concrete, testable implementation
// in this repository; the real, layered geodata decompression the teacher
// implements in internal/game/geo is explicitly out of the core's scope
// (spec.md §1).
type FileMapLoader struct{}

// NewFileMapLoader returns a FileMapLoader.
func NewFileMapLoader() *FileMapLoader { return &FileMapLoader{} }

// Load reads file and decodes it into a CellGrid.
func (FileMapLoader) Load(ctx context.Context, file string) (*CellGrid, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("worldapi: reading map file %s: %w", file, err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("worldapi: map file %s too short for a header", file)
	}

	width := binary.LittleEndian.Uint32(data[0:4])
	height := binary.LittleEndian.Uint32(data[4:8])
	want := int(width) * int(height)
	if len(data[8:]) < want {
		return nil, fmt.Errorf("worldapi: map file %s declares %d cells but has %d bytes of payload", file, want, len(data[8:]))
	}

	cells := make([]byte, want)
	copy(cells, data[8:8+want])

	return &CellGrid{Width: int32(width), Height: int32(height), Cells: cells}, nil
}
