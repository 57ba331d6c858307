// Package vae provides shared utilities for latent codecs.
package vae

import (
	"context"
	"fmt"

	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/tensor"
)

// TilingConfig holds configuration for tiled decoding.
// This is a general technique to reduce memory usage when decoding large latents.
type TilingConfig struct {
	TileSize int // Tile size in latent space (e.g., 64 latent → 512 pixels for 8x VAE)
	Overlap  int // Overlap in latent space (e.g., 16 latent = 25% of 64)
}

// DefaultTilingConfig returns reasonable defaults matching diffusers.
// tile_latent_min_size=64, tile_overlap_factor=0.25
func DefaultTilingConfig() *TilingConfig {
	return &TilingConfig{
		TileSize: 64,
		Overlap:  16,
	}
}

// Tiled wraps a codec so that Decode processes latents in overlapping
// tiles. Everything else passes through.
func Tiled(codec model.LatentCodec, cfg *TilingConfig) model.LatentCodec {
	if cfg == nil {
		cfg = DefaultTilingConfig()
	}
	return &tiled{LatentCodec: codec, cfg: *cfg}
}

type tiled struct {
	model.LatentCodec
	cfg TilingConfig
}

func (t *tiled) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	return DecodeTiled(ctx, latent, t.cfg, t.ScaleFactor(), t.LatentCodec.Decode)
}

// decodedTile holds a decoded tile's pixels in CHW order.
type decodedTile struct {
	data   []float32
	height int
	width  int
}

// DecodeTiled decodes [N, C, H, W] latents tile by tile, blending the
// overlap between neighbors linearly. decoder maps a latent tile to
// [N, 3, h*scale, w*scale] pixels.
func DecodeTiled(ctx context.Context, latents *tensor.Tensor, cfg TilingConfig, scale int, decoder func(context.Context, *tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if len(latents.Shape) != 4 {
		return nil, fmt.Errorf("vae: expected NCHW latents, got %v", latents.Shape)
	}
	if cfg.TileSize <= 0 || cfg.Overlap < 0 || cfg.Overlap >= cfg.TileSize {
		return nil, fmt.Errorf("vae: invalid tiling %+v", cfg)
	}

	N, C, H, W := latents.Shape[0], latents.Shape[1], latents.Shape[2], latents.Shape[3]

	// If image is small enough, just decode normally
	if H <= cfg.TileSize && W <= cfg.TileSize {
		return decoder(ctx, latents)
	}

	stride := cfg.TileSize - cfg.Overlap
	blendExtent := cfg.Overlap * scale
	rowLimit := (cfg.TileSize - cfg.Overlap) * scale

	out := tensor.New(N, 3, H*scale, W*scale)
	for n := range N {
		item := &tensor.Tensor{Shape: []int{1, C, H, W}, Data: latents.Row(n)}

		// Phase 1: decode all tiles into a grid
		var rows [][]decodedTile
		for i := 0; i < H; i += stride {
			var row []decodedTile
			for j := 0; j < W; j += stride {
				tile := crop(item, i, min(i+cfg.TileSize, H), j, min(j+cfg.TileSize, W))
				decoded, err := decoder(ctx, tile)
				if err != nil {
					return nil, err
				}
				row = append(row, decodedTile{data: decoded.Data, height: decoded.Shape[2], width: decoded.Shape[3]})
			}
			rows = append(rows, row)
		}

		// Phase 2: blend each tile with its upper and left neighbors
		for i := range rows {
			for j := range rows[i] {
				if i > 0 {
					blendV(&rows[i-1][j], &rows[i][j], blendExtent)
				}
				if j > 0 {
					blendH(&rows[i][j-1], &rows[i][j], blendExtent)
				}
			}
		}

		// Phase 3: stitch the kept region of each tile
		dst := out.Row(n)
		plane := H * scale * W * scale
		y0 := 0
		for i, row := range rows {
			keepH := rowLimit
			if (i+1)*stride >= H {
				keepH = row[0].height
			}

			x0 := 0
			for j, tile := range row {
				keepW := rowLimit
				if (j+1)*stride >= W {
					keepW = tile.width
				}

				for c := range 3 {
					for y := range keepH {
						src := tile.data[c*tile.height*tile.width+y*tile.width:]
						copy(dst[c*plane+(y0+y)*W*scale+x0:], src[:keepW])
					}
				}
				x0 += keepW
			}
			y0 += keepH
		}
	}

	return out, nil
}

// crop returns rows [y0, y1) and columns [x0, x1) of a [1, C, H, W] tensor.
func crop(t *tensor.Tensor, y0, y1, x0, x1 int) *tensor.Tensor {
	C, H, W := t.Shape[1], t.Shape[2], t.Shape[3]
	out := tensor.New(1, C, y1-y0, x1-x0)
	for c := range C {
		for y := y0; y < y1; y++ {
			src := t.Data[c*H*W+y*W+x0 : c*H*W+y*W+x1]
			copy(out.Data[(c*(y1-y0)+y-y0)*(x1-x0):], src)
		}
	}
	return out
}

// blendV blends the bottom of 'above' tile into top of 'current' tile (vertical blend)
func blendV(above, current *decodedTile, blendExtent int) {
	blend := min(blendExtent, above.height, current.height)
	if blend <= 0 {
		return
	}

	w := min(above.width, current.width)
	for c := range 3 {
		a := above.data[c*above.height*above.width:]
		cur := current.data[c*current.height*current.width:]
		for y := range blend {
			alpha := float32(y) / float32(blend)
			for x := range w {
				top := a[(above.height-blend+y)*above.width+x]
				cur[y*current.width+x] = top*(1-alpha) + cur[y*current.width+x]*alpha
			}
		}
	}
}

// blendH blends the right of 'left' tile into left of 'current' tile (horizontal blend)
func blendH(left, current *decodedTile, blendExtent int) {
	blend := min(blendExtent, left.width, current.width)
	if blend <= 0 {
		return
	}

	h := min(left.height, current.height)
	for c := range 3 {
		l := left.data[c*left.height*left.width:]
		cur := current.data[c*current.height*current.width:]
		for y := range h {
			for x := range blend {
				alpha := float32(x) / float32(blend)
				side := l[y*left.width+left.width-blend+x]
				cur[y*current.width+x] = side*(1-alpha) + cur[y*current.width+x]*alpha
			}
		}
	}
}
