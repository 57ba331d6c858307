package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/jmorganca/sdpipe/tensor"
)

func TestWriteRead(t *testing.T) {
	// values exactly representable in all three dtypes
	latent := tensor.FromSlice([]float32{0, 1, -2, 0.5, 3.5, -0.25, 128, 1.5}, 1, 2, 2, 2)
	scale := tensor.FromSlice([]float32{0.125}, 1)

	for _, dtype := range []string{F32, F16, BF16} {
		t.Run(dtype, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dump.safetensors")
			err := WriteFile(path, map[string]*tensor.Tensor{"latent": latent, "scale": scale}, dtype, map[string]string{"step": "3"})
			assert.NilError(t, err)

			f, err := Open(path)
			assert.NilError(t, err)
			assert.DeepEqual(t, f.Names(), []string{"latent", "scale"})
			assert.DeepEqual(t, f.Metadata, map[string]string{"step": "3"})

			info, ok := f.Info("latent")
			assert.Assert(t, ok)
			assert.Equal(t, info.DType, dtype)
			assert.DeepEqual(t, info.Shape, []int{1, 2, 2, 2})

			got, err := f.Tensor("latent")
			assert.NilError(t, err)
			assert.DeepEqual(t, got.Shape, latent.Shape)
			assert.DeepEqual(t, got.Data, latent.Data)

			got, err = f.Tensor("scale")
			assert.NilError(t, err)
			assert.DeepEqual(t, got.Data, scale.Data)

			_, err = f.Tensor("missing")
			assert.ErrorContains(t, err, "no tensor")
		})
	}
}

func TestHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, map[string]*tensor.Tensor{"x": tensor.New(3)}, F32, nil)
	assert.NilError(t, err)

	var n int64
	assert.NilError(t, binary.Read(bytes.NewReader(buf.Bytes()), binary.LittleEndian, &n))
	assert.Equal(t, n%8, int64(0))
	assert.Equal(t, int64(buf.Len()), 8+n+12)
}

func TestRejects(t *testing.T) {
	err := Write(&bytes.Buffer{}, nil, F32, nil)
	assert.ErrorIs(t, err, ErrNoTensors)

	err = Write(&bytes.Buffer{}, map[string]*tensor.Tensor{"x": tensor.New(1)}, "I8", nil)
	assert.ErrorContains(t, err, "unknown data type")

	path := filepath.Join(t.TempDir(), "bad.safetensors")
	assert.NilError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}, 0o644))
	_, err = Open(path)
	assert.ErrorContains(t, err, "invalid header size")
}
