package metatile

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// VipsCodec implements Codec with libvips. vips.Startup must have been called.
type VipsCodec struct {
	logger *zap.Logger
}

var _ Codec = &VipsCodec{}

func NewVipsCodec(logger *zap.Logger) *VipsCodec {
	return &VipsCodec{logger: logger.Named("metatile")}
}

func (c *VipsCodec) Slice(image []byte, cols, rows, tileWidth, tileHeight int, format string) ([][]byte, error) {
	if err := checkGrid(-1, cols, rows); err != nil {
		return nil, err
	}
	if !Supported(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	// Probe the size once; every tile is cut from a fresh decode because vips
	// operations replace the image they are called on.
	probe, err := vips.NewImageFromBuffer(image, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metatile: %w", err)
	}
	width, height := probe.Width(), probe.Height()
	probe.Close()

	tiles := make([][]byte, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			data, err := c.cut(image, col*tileWidth, row*tileHeight, tileWidth, tileHeight, width, height, format)
			if err != nil {
				return nil, fmt.Errorf("tile %d,%d: %w", col, row, err)
			}
			tiles = append(tiles, data)
		}
	}

	c.logger.Debug("Sliced metatile", zap.Int("cols", cols), zap.Int("rows", rows), zap.Int("width", width), zap.Int("height", height))
	return tiles, nil
}

func (c *VipsCodec) cut(image []byte, left, top, tileWidth, tileHeight, width, height int, format string) ([]byte, error) {
	img, err := vips.NewImageFromBuffer(image, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metatile: %w", err)
	}
	defer img.Close()

	// Clamp to the image so edge tiles of a short metatile still extract.
	w := min(tileWidth, width-left)
	h := min(tileHeight, height-top)
	if w > 0 && h > 0 {
		if err := img.ExtractArea(left, top, w, h); err != nil {
			return nil, fmt.Errorf("failed to extract area: %w", err)
		}
	} else {
		// Entirely outside: keep a single pixel and pad it to a blank tile.
		if err := img.ExtractArea(0, 0, 1, 1); err != nil {
			return nil, fmt.Errorf("failed to extract area: %w", err)
		}
	}

	// Pad to exactly one tile, anchored top-left to keep alignment.
	if img.Width() < tileWidth || img.Height() < tileHeight {
		if err := img.Embed(0, 0, tileWidth, tileHeight, embedOptions(format)); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	return encode(img, format)
}

func (c *VipsCodec) Assemble(tiles [][]byte, cols, rows int, format string) ([]byte, error) {
	if err := checkGrid(len(tiles), cols, rows); err != nil {
		return nil, err
	}
	if !Supported(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var out *vips.Image
	for row := 0; row < rows; row++ {
		strip, err := joinRow(tiles[row*cols : (row+1)*cols])
		if err != nil {
			if out != nil {
				out.Close()
			}
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if out == nil {
			out = strip
			continue
		}
		err = out.Join(strip, vips.DirectionVertical, vips.DefaultJoinOptions())
		strip.Close()
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to join rows: %w", err)
		}
	}
	defer out.Close()

	return encode(out, format)
}

func joinRow(tiles [][]byte) (*vips.Image, error) {
	var out *vips.Image
	for i, data := range tiles {
		img, err := vips.NewImageFromBuffer(data, nil)
		if err != nil {
			if out != nil {
				out.Close()
			}
			return nil, fmt.Errorf("failed to decode tile %d: %w", i, err)
		}
		if out == nil {
			out = img
			continue
		}
		err = out.Join(img, vips.DirectionHorizontal, vips.DefaultJoinOptions())
		img.Close()
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to join tile %d: %w", i, err)
		}
	}
	return out, nil
}

func embedOptions(format string) *vips.EmbedOptions {
	opts := vips.DefaultEmbedOptions()
	if format == "image/jpeg" {
		opts.Extend = vips.ExtendBackground
		// no alpha channel in JPEG
		opts.Background = []float64{221, 221, 221} // #ddd
	} else {
		opts.Extend = vips.ExtendBlack
	}
	return opts
}

func encode(img *vips.Image, format string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case "image/png":
		data, err = img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	case "image/jpeg":
		opts := vips.DefaultJpegsaveBufferOptions()
		opts.Q = 82
		opts.Interlace = false
		data, err = img.JpegsaveBuffer(opts)
	case "image/webp":
		data, err = img.WebpsaveBuffer(vips.DefaultWebpsaveBufferOptions())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}
