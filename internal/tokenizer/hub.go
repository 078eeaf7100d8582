package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// EnvHubToken authenticates hub downloads of gated repositories.
const EnvHubToken = "HF_TOKEN"

// HubTokenizer is the part of a go-huggingface tokenizer the adapter uses.
type HubTokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	SpecialTokenID(token api.SpecialToken) (int, error)
}

// HubOptions locates a tokenizer published on the Hugging Face hub.
type HubOptions struct {
	// CacheDir overrides the hub cache directory.
	CacheDir string
	// Token is used for gated repos; HF_TOKEN when empty.
	Token string
	// VocabSize bounds the ids Encode may return. Zero disables the check.
	VocabSize int
}

// LoadHub loads the tokenizer of repoID through go-huggingface. Files
// already in the hub cache are reused.
func LoadHub(repoID string, o HubOptions) (Tokenizer, error) {
	repo := hub.New(repoID)
	if o.CacheDir != "" {
		repo = repo.WithCacheDir(o.CacheDir)
	}
	token := o.Token
	if token == "" {
		token = os.Getenv(EnvHubToken)
	}
	if token != "" {
		repo = repo.WithAuth(token)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return nil, fmt.Errorf("hub repo %s: %w", repoID, err)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, fmt.Errorf("hub tokenizer %s: %w", repoID, err)
	}
	return FromHub(tok, o.VocabSize), nil
}

// HubRepoFromPath recognizes an artifact stored in a hub cache snapshot
// (<cache>/models--org--name/snapshots/<rev>/file) and returns its repo id
// and cache directory.
func HubRepoFromPath(artifactPath string) (repoID, cacheDir string, ok bool) {
	snap := filepath.Dir(artifactPath)
	snapshots := filepath.Dir(snap)
	if filepath.Base(snapshots) != "snapshots" {
		return "", "", false
	}
	repoDir := filepath.Dir(snapshots)
	name, found := strings.CutPrefix(filepath.Base(repoDir), "models--")
	if !found || name == "" {
		return "", "", false
	}
	return strings.ReplaceAll(name, "--", "/"), filepath.Dir(repoDir), true
}

type hubTokenizer struct {
	tok    HubTokenizer
	vocab  int
	bos    int
	eos    int
	hasBOS bool
	hasEOS bool
}

// FromHub adapts a go-huggingface tokenizer to Tokenizer. Encode prepends
// BOS when the tokenizer defines one.
func FromHub(tok HubTokenizer, vocab int) Tokenizer {
	h := &hubTokenizer{tok: tok, vocab: vocab}
	if id, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil && id >= 0 {
		h.bos, h.hasBOS = id, true
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil && id >= 0 {
		h.eos, h.hasEOS = id, true
	}
	return h
}

func (h *hubTokenizer) Encode(text string) ([]int, error) {
	enc := h.tok.Encode(text)
	ids := make([]int, 0, len(enc)+1)
	if h.hasBOS && (len(enc) == 0 || enc[0] != h.bos) {
		ids = append(ids, h.bos)
	}
	for _, id := range enc {
		if id < 0 || (h.vocab > 0 && id >= h.vocab) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *hubTokenizer) Decode(ids []int) (string, error) {
	keep := make([]int, 0, len(ids))
	for _, id := range ids {
		if id < 0 || (h.vocab > 0 && id >= h.vocab) {
			return "", fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
		if (h.hasBOS && id == h.bos) || (h.hasEOS && id == h.eos) {
			continue
		}
		keep = append(keep, id)
	}
	return h.tok.Decode(keep), nil
}

func (h *hubTokenizer) EOS() (int, bool) { return h.eos, h.hasEOS }

func (h *hubTokenizer) VocabSize() int { return h.vocab }
