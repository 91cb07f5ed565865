// Package metatile cuts rendered metatiles into tiles and joins cached tiles back
// into one image.
package metatile

import (
	"errors"
	"fmt"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Codec slices and assembles encoded images. Tiles are always row-major.
type Codec interface {
	// Slice cuts an image of up to cols*tileWidth x rows*tileHeight pixels into
	// cols*rows tiles encoded as format. Tiles past a short edge are padded.
	Slice(image []byte, cols, rows, tileWidth, tileHeight int, format string) ([][]byte, error)

	// Assemble joins cols*rows equally sized tiles into one image encoded as format.
	Assemble(tiles [][]byte, cols, rows int, format string) ([]byte, error)
}

// Supported reports whether format can be produced by the vips codec.
func Supported(format string) bool {
	switch format {
	case "image/png", "image/jpeg", "image/webp":
		return true
	}
	return false
}

func checkGrid(n, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("metatile grid %dx%d must be positive", cols, rows)
	}
	if n >= 0 && n != cols*rows {
		return fmt.Errorf("got %d tiles for a %dx%d grid", n, cols, rows)
	}
	return nil
}
