// Package tensortest writes tiny deterministic llama checkpoints for tests.
package tensortest

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"chatd/internal/gguf"
	"chatd/internal/safetensors"
)

// Dimensions of the generated model.
const (
	Layers  = 2
	Dim     = 8
	Heads   = 2
	KVHeads = 1
	HeadDim = Dim / Heads
	Hidden  = 16
	Context = 64
)

// Special token ids of the generated vocabulary.
const (
	UNK = 0
	BOS = 1
	EOS = 2
)

// Vocab returns a SentencePiece-style vocabulary: three control tokens, the
// word boundary marker and one byte token per byte value.
func Vocab() (tokens []string, types []int32, scores []float32) {
	tokens = []string{"<unk>", "<s>", "</s>", "▁"}
	types = []int32{2, 3, 3, 1}
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
		types = append(types, 6)
	}
	scores = make([]float32, len(tokens))
	return tokens, types, scores
}

// LayerWeights holds one block in Hugging Face orientation.
type LayerWeights struct {
	AttnNorm, FFNNorm []float32
	Q, K, V, O        []float32
	Gate, Up, Down    []float32
}

// Weights is a full checkpoint.
type Weights struct {
	Vocab  int
	Embed  []float32
	Norm   []float32
	Layers []LayerWeights
}

// NewWeights draws deterministic weights from seed.
func NewWeights(seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	toks, _, _ := Vocab()
	vec := func(n int, scale float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32() - 0.5) * scale
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1 + (rng.Float32()-0.5)*0.1
		}
		return out
	}
	w := &Weights{Vocab: len(toks), Embed: vec(len(toks)*Dim, 2), Norm: ones(Dim)}
	for i := 0; i < Layers; i++ {
		w.Layers = append(w.Layers, LayerWeights{
			AttnNorm: ones(Dim),
			FFNNorm:  ones(Dim),
			Q:        vec(Heads*HeadDim*Dim, 1),
			K:        vec(KVHeads*HeadDim*Dim, 1),
			V:        vec(KVHeads*HeadDim*Dim, 1),
			O:        vec(Dim*Heads*HeadDim, 1),
			Gate:     vec(Hidden*Dim, 1),
			Up:       vec(Hidden*Dim, 1),
			Down:     vec(Dim*Hidden, 1),
		})
	}
	return w
}

// permute reorders Q/K rows from half-split to interleaved rotary layout, the
// same transform llama checkpoints undergo when converted to GGUF.
func permute(w []float32, heads int) []float32 {
	out := make([]float32, len(w))
	half := HeadDim / 2
	for h := 0; h < heads; h++ {
		for i := 0; i < half; i++ {
			for j := 0; j < 2; j++ {
				src := h*HeadDim + j*half + i
				dst := h*HeadDim + 2*i + j
				copy(out[dst*Dim:(dst+1)*Dim], w[src*Dim:(src+1)*Dim])
			}
		}
	}
	return out
}

// WriteGGUF writes the checkpoint as GGUF under dir and returns its path.
// arch "llama" stores Q/K permuted for interleaved rotary embeddings; any
// other architecture keeps the half-split layout.
func WriteGGUF(tb testing.TB, dir, arch string, w *Weights) string {
	tb.Helper()
	toks, types, scores := Vocab()
	b := gguf.NewBuilder().
		Set("general.architecture", arch).
		Set("general.name", "tiny").
		Set(arch+".block_count", uint32(Layers)).
		Set(arch+".embedding_length", uint32(Dim)).
		Set(arch+".feed_forward_length", uint32(Hidden)).
		Set(arch+".attention.head_count", uint32(Heads)).
		Set(arch+".attention.head_count_kv", uint32(KVHeads)).
		Set(arch+".context_length", uint32(Context)).
		Set(arch+".attention.layer_norm_rms_epsilon", float32(1e-5)).
		Set(arch+".rope.freq_base", float32(10000)).
		Set("tokenizer.ggml.model", "llama").
		Set("tokenizer.ggml.tokens", toks).
		Set("tokenizer.ggml.token_type", types).
		Set("tokenizer.ggml.scores", scores).
		Set("tokenizer.ggml.bos_token_id", uint32(BOS)).
		Set("tokenizer.ggml.eos_token_id", uint32(EOS)).
		Set("tokenizer.ggml.unknown_token_id", uint32(UNK)).
		Set("tokenizer.ggml.add_bos_token", true).
		AddF32("token_embd.weight", []uint64{Dim, uint64(w.Vocab)}, w.Embed).
		AddF32("output_norm.weight", []uint64{Dim}, w.Norm)
	for i, l := range w.Layers {
		q, k := l.Q, l.K
		if arch == "llama" {
			q, k = permute(q, Heads), permute(k, KVHeads)
		}
		p := fmt.Sprintf("blk.%d.", i)
		b.AddF32(p+"attn_norm.weight", []uint64{Dim}, l.AttnNorm).
			AddF32(p+"ffn_norm.weight", []uint64{Dim}, l.FFNNorm).
			AddF32(p+"attn_q.weight", []uint64{Dim, Heads * HeadDim}, q).
			AddF32(p+"attn_k.weight", []uint64{Dim, KVHeads * HeadDim}, k).
			AddF32(p+"attn_v.weight", []uint64{Dim, KVHeads * HeadDim}, l.V).
			AddF32(p+"attn_output.weight", []uint64{Heads * HeadDim, Dim}, l.O).
			AddF32(p+"ffn_gate.weight", []uint64{Dim, Hidden}, l.Gate).
			AddF32(p+"ffn_up.weight", []uint64{Dim, Hidden}, l.Up).
			AddF32(p+"ffn_down.weight", []uint64{Hidden, Dim}, l.Down)
	}
	path := filepath.Join(dir, "tiny.gguf")
	if err := b.WriteFile(path); err != nil {
		tb.Fatalf("write gguf: %v", err)
	}
	return path
}

// WriteSafetensors writes the checkpoint with Hugging Face names plus its
// config.json under dir and returns the weights path.
func WriteSafetensors(tb testing.TB, dir string, w *Weights) string {
	tb.Helper()
	ts := []safetensors.Tensor{
		{Name: "model.embed_tokens.weight", Shape: []int{w.Vocab, Dim}, Data: w.Embed},
		{Name: "model.norm.weight", Shape: []int{Dim}, Data: w.Norm},
	}
	for i, l := range w.Layers {
		p := fmt.Sprintf("model.layers.%d.", i)
		ts = append(ts,
			safetensors.Tensor{Name: p + "input_layernorm.weight", Shape: []int{Dim}, Data: l.AttnNorm},
			safetensors.Tensor{Name: p + "post_attention_layernorm.weight", Shape: []int{Dim}, Data: l.FFNNorm},
			safetensors.Tensor{Name: p + "self_attn.q_proj.weight", Shape: []int{Heads * HeadDim, Dim}, Data: l.Q},
			safetensors.Tensor{Name: p + "self_attn.k_proj.weight", Shape: []int{KVHeads * HeadDim, Dim}, Data: l.K},
			safetensors.Tensor{Name: p + "self_attn.v_proj.weight", Shape: []int{KVHeads * HeadDim, Dim}, Data: l.V},
			safetensors.Tensor{Name: p + "self_attn.o_proj.weight", Shape: []int{Dim, Heads * HeadDim}, Data: l.O},
			safetensors.Tensor{Name: p + "mlp.gate_proj.weight", Shape: []int{Hidden, Dim}, Data: l.Gate},
			safetensors.Tensor{Name: p + "mlp.up_proj.weight", Shape: []int{Hidden, Dim}, Data: l.Up},
			safetensors.Tensor{Name: p + "mlp.down_proj.weight", Shape: []int{Dim, Hidden}, Data: l.Down},
		)
	}
	path := filepath.Join(dir, "tiny.safetensors")
	if err := safetensors.WriteFile(path, ts, map[string]string{"format": "pt"}); err != nil {
		tb.Fatalf("write safetensors: %v", err)
	}
	cfg := fmt.Sprintf(`{"architectures":["LlamaForCausalLM"],"model_type":"llama","hidden_size":%d,`+
		`"intermediate_size":%d,"num_hidden_layers":%d,"num_attention_heads":%d,"num_key_value_heads":%d,`+
		`"vocab_size":%d,"max_position_embeddings":%d,"rms_norm_eps":1e-5,"rope_theta":10000,`+
		`"tie_word_embeddings":true,"bos_token_id":%d,"eos_token_id":%d}`,
		Dim, Hidden, Layers, Heads, KVHeads, w.Vocab, Context, BOS, EOS)
	if err := os.WriteFile(filepath.Join(dir, safetensors.ConfigFile), []byte(cfg), 0o644); err != nil {
		tb.Fatalf("write config: %v", err)
	}
	return path
}
