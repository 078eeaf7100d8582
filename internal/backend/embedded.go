package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatd/internal/gguf"
	"chatd/internal/tensor"
	"chatd/internal/tokenizer"
)

// Embedded runs the pure-Go tensor engine in process. Sampling is left to
// the generation engine: Step returns logits.
type Embedded struct {
	opts  Options
	log   zerolog.Logger
	reuse bool

	mu     sync.Mutex
	model  *tensor.Model
	cache  *tensor.Cache
	tok    tokenizer.Tokenizer
	logits []float32
}

// NewEmbedded constructs the in-process variant.
func NewEmbedded(opts Options) *Embedded {
	opts = opts.withDefaults()
	return &Embedded{
		opts:  opts,
		log:   opts.Logger.With().Str("backend", KindEmbedded).Logger(),
		reuse: opts.reuse(true),
	}
}

func (e *Embedded) Name() string { return KindEmbedded }

// Initialize loads weights and the tokenizer. A configured hub repo wins,
// then a hub cache snapshot holding the artifact, then the companion
// tokenizer.json and last the vocabulary embedded in GGUF metadata.
func (e *Embedded) Initialize(ctx context.Context, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	model, err := tensor.Load(artifactPath)
	if err != nil {
		return ErrBackendUnavailable(KindEmbedded, fmt.Errorf("load weights: %w", err))
	}
	tok, err := e.loadTokenizer(artifactPath, model.Config.Vocab)
	if err != nil {
		return ErrArtifactMissing(KindEmbedded, fmt.Errorf("load tokenizer: %w", err))
	}
	if tok.VocabSize() > model.Config.Vocab {
		return ErrBackendUnavailable(KindEmbedded, fmt.Errorf("tokenizer has %d tokens, model only %d", tok.VocabSize(), model.Config.Vocab))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model, e.tok = model, tok
	e.cache = model.NewCache(e.opts.ContextSize)
	e.logits = nil
	cfg := model.Config
	e.log.Info().
		Int("layers", cfg.Layers).Int("dim", cfg.Dim).Int("heads", cfg.Heads).
		Int("kv_heads", cfg.KVHeads).Int("vocab", cfg.Vocab).Int("context", e.cache.Cap()).
		Msg("weights loaded")
	return nil
}

func (e *Embedded) loadTokenizer(artifactPath string, vocab int) (tokenizer.Tokenizer, error) {
	hopts := tokenizer.HubOptions{CacheDir: e.opts.HubCacheDir, VocabSize: vocab}
	if repo := strings.TrimSpace(e.opts.TokenizerRepo); repo != "" {
		e.log.Debug().Str("repo", repo).Msg("loading hub tokenizer")
		return tokenizer.LoadHub(repo, hopts)
	}
	if repo, cache, ok := tokenizer.HubRepoFromPath(artifactPath); ok {
		if hopts.CacheDir == "" {
			hopts.CacheDir = cache
		}
		tok, err := tokenizer.LoadHub(repo, hopts)
		if err == nil {
			return tok, nil
		}
		e.log.Debug().Str("repo", repo).Err(err).Msg("hub tokenizer unavailable, trying local files")
	}
	tok, err := tokenizer.LoadCompanion(artifactPath)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(artifactPath)) != ".gguf" {
		return nil, fmt.Errorf("no %s next to %s: %w", tokenizer.CompanionFile, filepath.Base(artifactPath), os.ErrNotExist)
	}
	f, err := gguf.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tokenizer.NewFromVocab(vocabFromGGUF(f))
}

func vocabFromGGUF(f *gguf.File) tokenizer.Vocab {
	v := tokenizer.Vocab{BOS: -1, EOS: -1, UNK: -1}
	v.Model, _ = f.String("tokenizer.ggml.model")
	v.Tokens, _ = f.Strings("tokenizer.ggml.tokens")
	v.Scores, _ = f.Float32s("tokenizer.ggml.scores")
	v.Merges, _ = f.Strings("tokenizer.ggml.merges")
	if types, ok := f.Ints("tokenizer.ggml.token_type"); ok {
		v.TokenTypes = make([]int32, len(types))
		for i, t := range types {
			v.TokenTypes[i] = int32(t)
		}
	}
	id := func(key string) int {
		if n, ok := f.Uint(key); ok {
			return int(n)
		}
		return -1
	}
	v.BOS = id("tokenizer.ggml.bos_token_id")
	v.EOS = id("tokenizer.ggml.eos_token_id")
	v.UNK = id("tokenizer.ggml.unknown_token_id")
	v.AddBOS = v.BOS >= 0
	if b, ok := f.Bool("tokenizer.ggml.add_bos_token"); ok {
		v.AddBOS = b && v.BOS >= 0
	}
	return v
}

// Probe reports whether weights are loaded.
func (e *Embedded) Probe(ctx context.Context) error {
	return e.Healthy(ctx)
}

func (e *Embedded) Healthy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return ErrBackendUnavailable(KindEmbedded, errors.New("no model loaded"))
	}
	return nil
}

// Step feeds the tokens of req.Tokens that are not yet cached and returns the
// next-token logits. A context that does not extend the cached prefix
// rebuilds the cache.
func (e *Embedded) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return StepResult{}, ErrBackendUnavailable(KindEmbedded, errors.New("no model loaded"))
	}
	if len(req.Tokens) == 0 {
		return StepResult{}, errors.New("embedded: empty token context")
	}
	cached := e.cache.Tokens()
	if !isPrefix(cached, req.Tokens) {
		e.log.Debug().Int("cached", len(cached)).Int("context", len(req.Tokens)).Msg("context diverged, rebuilding cache")
		e.cache.Reset()
		e.logits = nil
		cached = nil
	}
	if len(cached) == len(req.Tokens) && e.logits != nil {
		return StepResult{Logits: append([]float32(nil), e.logits...)}, nil
	}
	if len(cached) == len(req.Tokens) {
		// cached but logits lost: replay the last position
		e.cache.Reset()
		cached = nil
	}
	var logits []float32
	for _, tok := range req.Tokens[len(cached):] {
		if err := ctx.Err(); err != nil {
			e.logits = nil
			return StepResult{}, err
		}
		var err error
		logits, err = e.model.Forward(e.cache, tok)
		if err != nil {
			e.logits = nil
			if errors.Is(err, tensor.ErrContextFull) {
				return StepResult{}, ErrContextExhausted
			}
			return StepResult{}, err
		}
	}
	e.logits = append(e.logits[:0], logits...)
	return StepResult{Logits: append([]float32(nil), logits...)}, nil
}

func isPrefix(prefix, full []int) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, t := range prefix {
		if full[i] != t {
			return false
		}
	}
	return true
}

// ResetCache drops the KV cache; weights stay loaded.
func (e *Embedded) ResetCache() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil {
		e.cache.Reset()
	}
	e.logits = nil
	return nil
}

// CachedTokens reports how many positions are currently cached.
func (e *Embedded) CachedTokens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return 0
	}
	return e.cache.Len()
}

func (e *Embedded) SupportsStreaming() bool { return true }

func (e *Embedded) ReuseContext() bool { return e.reuse }

func (e *Embedded) Tokenizer() tokenizer.Tokenizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tok
}

func (e *Embedded) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model, e.cache, e.tok, e.logits = nil, nil, nil, nil
	return nil
}
