package tensor

import (
	"fmt"
	"path/filepath"
	"strings"

	"chatd/internal/gguf"
	"chatd/internal/safetensors"
)

// Load reads a .gguf artifact, or a .safetensors artifact with its companion
// config.json.
func Load(path string) (*Model, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		f, err := gguf.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return FromGGUF(f)
	case ".safetensors":
		cfg, err := safetensors.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("companion config: %w", err)
		}
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return FromSafetensors(f, cfg)
	}
	return nil, fmt.Errorf("tensor: unsupported artifact %q", filepath.Base(path))
}

// FromGGUF builds a model from GGUF metadata and tensors.
func FromGGUF(f *gguf.File) (*Model, error) {
	u := func(key string) int {
		v, _ := f.ArchUint(key)
		return int(v)
	}
	cfg := Config{
		Layers:     u("block_count"),
		Dim:        u("embedding_length"),
		Heads:      u("attention.head_count"),
		KVHeads:    u("attention.head_count_kv"),
		HeadDim:    u("attention.key_length"),
		Hidden:     u("feed_forward_length"),
		ContextLen: u("context_length"),
		Rope:       RopeHalf,
	}
	if f.Architecture() == "llama" {
		cfg.Rope = RopeInterleaved
	}
	if v, ok := f.ArchFloat("attention.layer_norm_rms_epsilon"); ok {
		cfg.NormEps = float32(v)
	}
	if v, ok := f.ArchFloat("rope.freq_base"); ok {
		cfg.RopeTheta = float32(v)
	}
	if cfg.ContextLen > DefaultContext {
		cfg.ContextLen = DefaultContext
	}
	emb, ti, err := f.ReadF32("token_embd.weight")
	if err != nil {
		return nil, err
	}
	if len(ti.Dims) == 2 {
		cfg.Vocab = int(ti.Dims[1])
	}
	get := func(name string) ([]float32, error) {
		v, _, err := f.ReadF32(name)
		return v, err
	}
	opt := func(name string) []float32 {
		if _, ok := f.Tensor(name); !ok {
			return nil
		}
		v, _ := get(name)
		return v
	}
	return build(cfg, emb, get, opt, ggufNames)
}

// FromSafetensors builds a model from Hugging Face tensor names.
func FromSafetensors(f *safetensors.File, hf safetensors.Config) (*Model, error) {
	cfg := Config{
		Layers:     hf.NumHiddenLayers,
		Dim:        hf.HiddenSize,
		Heads:      hf.NumAttentionHeads,
		KVHeads:    hf.NumKeyValueHeads,
		HeadDim:    hf.HeadDim,
		Hidden:     hf.IntermediateSize,
		Vocab:      hf.VocabSize,
		ContextLen: min(hf.MaxPositionEmbeddings, DefaultContext),
		NormEps:    float32(hf.RMSNormEps),
		RopeTheta:  float32(hf.RopeTheta),
		Rope:       RopeHalf,
	}
	emb, ti, err := f.ReadF32("model.embed_tokens.weight")
	if err != nil {
		return nil, err
	}
	if len(ti.Shape) == 2 {
		cfg.Vocab = ti.Shape[0]
	}
	get := func(name string) ([]float32, error) {
		v, _, err := f.ReadF32(name)
		return v, err
	}
	opt := func(name string) []float32 {
		if _, ok := f.Tensor(name); !ok {
			return nil
		}
		v, _ := get(name)
		return v
	}
	return build(cfg, emb, get, opt, hfNames)
}

type tensorNames struct {
	outNorm, output string
	layerPrefix     string
	parts           map[string]string
}

func (n tensorNames) layer(i int, part string) string {
	return fmt.Sprintf(n.layerPrefix, i) + n.parts[part]
}

var ggufNames = tensorNames{
	outNorm:     "output_norm.weight",
	output:      "output.weight",
	layerPrefix: "blk.%d.",
	parts: map[string]string{
		"attn_norm": "attn_norm.weight", "ffn_norm": "ffn_norm.weight",
		"q": "attn_q.weight", "k": "attn_k.weight", "v": "attn_v.weight", "o": "attn_output.weight",
		"bq": "attn_q.bias", "bk": "attn_k.bias", "bv": "attn_v.bias", "bo": "attn_output.bias",
		"gate": "ffn_gate.weight", "up": "ffn_up.weight", "down": "ffn_down.weight",
	},
}

var hfNames = tensorNames{
	outNorm:     "model.norm.weight",
	output:      "lm_head.weight",
	layerPrefix: "model.layers.%d.",
	parts: map[string]string{
		"attn_norm": "input_layernorm.weight", "ffn_norm": "post_attention_layernorm.weight",
		"q": "self_attn.q_proj.weight", "k": "self_attn.k_proj.weight",
		"v": "self_attn.v_proj.weight", "o": "self_attn.o_proj.weight",
		"bq": "self_attn.q_proj.bias", "bk": "self_attn.k_proj.bias",
		"bv": "self_attn.v_proj.bias", "bo": "self_attn.o_proj.bias",
		"gate": "mlp.gate_proj.weight", "up": "mlp.up_proj.weight", "down": "mlp.down_proj.weight",
	},
}

func build(cfg Config, emb []float32, get func(string) ([]float32, error), opt func(string) []float32, n tensorNames) (*Model, error) {
	outNorm, err := get(n.outNorm)
	if err != nil {
		return nil, err
	}
	output := opt(n.output)
	layers := make([]Layer, cfg.Layers)
	for i := range layers {
		l := &layers[i]
		for _, p := range []struct {
			part string
			dst  *[]float32
		}{
			{"attn_norm", &l.AttnNorm}, {"ffn_norm", &l.FFNNorm},
			{"q", &l.WQ}, {"k", &l.WK}, {"v", &l.WV}, {"o", &l.WO},
			{"gate", &l.Gate}, {"up", &l.Up}, {"down", &l.Down},
		} {
			if *p.dst, err = get(n.layer(i, p.part)); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
		l.BQ = opt(n.layer(i, "bq"))
		l.BK = opt(n.layer(i, "bk"))
		l.BV = opt(n.layer(i, "bv"))
		l.BO = opt(n.layer(i, "bo"))
	}
	return New(cfg, emb, outNorm, output, layers)
}
