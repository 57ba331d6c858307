package adapter

import (
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/jmorganca/sdpipe/safetensors"
	"github.com/jmorganca/sdpipe/tensor"
)

func writeLoRA(t *testing.T, names ...string) string {
	t.Helper()

	tensors := make(map[string]*tensor.Tensor)
	for _, name := range names {
		tensors[name] = tensor.New(4, 2)
	}

	path := filepath.Join(t.TempDir(), "pixel-art.safetensors")
	assert.NilError(t, safetensors.WriteFile(path, tensors, safetensors.F16, nil))
	return path
}

func TestLoad(t *testing.T) {
	path := writeLoRA(t,
		"lora_unet_down_blocks_0_attentions_0_proj_in.lora_down.weight",
		"lora_unet_down_blocks_0_attentions_0_proj_in.lora_up.weight",
	)

	a, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, a.Name(), "pixel-art")
	assert.Equal(t, len(a.Tensors), 2)

	te, unet := a.Targets()
	assert.Assert(t, !te)
	assert.Assert(t, unet)
}

func TestConfig(t *testing.T) {
	a, err := Load(writeLoRA(t, "lora_te_text_model_encoder_layers_0_mlp_fc1.alpha"))
	assert.NilError(t, err)

	var empty *Config
	assert.Equal(t, empty.Len(), 0)

	c := New(a)
	assert.Equal(t, c.Len(), 1)
	assert.Equal(t, c.Adapters[0].Alpha, float32(1))
	assert.NilError(t, c.Validate())

	c.Add(a, 0.5)
	assert.ErrorIs(t, c.Validate(), ErrInvalid)

	assert.ErrorIs(t, (&Config{Adapters: []Weighted{{Alpha: 1}}}).Validate(), ErrInvalid)
}
