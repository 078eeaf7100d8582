package tokenizer

import "fmt"

// GGUF token types as stored under tokenizer.ggml.token_type.
const (
	TokenTypeNormal      int32 = 1
	TokenTypeUnknown     int32 = 2
	TokenTypeControl     int32 = 3
	TokenTypeUserDefined int32 = 4
	TokenTypeUnused      int32 = 5
	TokenTypeByte        int32 = 6
)

// Vocab describes a tokenizer embedded in model metadata.
type Vocab struct {
	// Model is "gpt2" for byte-level BPE or "llama" for SentencePiece BPE.
	Model      string
	Tokens     []string
	Scores     []float32
	Merges     []string
	TokenTypes []int32
	// BOS, EOS and UNK are -1 when absent.
	BOS    int
	EOS    int
	UNK    int
	AddBOS bool
}

// NewFromVocab builds a tokenizer from an embedded vocabulary.
func NewFromVocab(v Vocab) (Tokenizer, error) {
	if len(v.Tokens) == 0 {
		return nil, fmt.Errorf("vocabulary has no tokens")
	}
	mode := modeMetaspace
	switch v.Model {
	case "gpt2":
		mode = modeByteLevel
	case "llama", "":
	default:
		return nil, fmt.Errorf("unsupported tokenizer model %q", v.Model)
	}
	t := newBPE(mode)
	t.pieces = make([]string, 0, len(v.Tokens))
	for id, piece := range v.Tokens {
		typ := TokenTypeNormal
		if id < len(v.TokenTypes) {
			typ = v.TokenTypes[id]
		}
		switch typ {
		case TokenTypeControl:
			t.addLiteral(piece, id, true)
		case TokenTypeUserDefined:
			t.addLiteral(piece, id, false)
		case TokenTypeByte:
			t.byteFallback = true
			t.setPiece(id, piece)
		default:
			t.setPiece(id, piece)
		}
	}
	t.finish()
	t.scores = v.Scores
	if len(v.Merges) > 0 {
		t.ranks = make(map[string]int, len(v.Merges))
		for i, m := range v.Merges {
			if _, dup := t.ranks[m]; !dup {
				t.ranks[m] = i
			}
		}
	}
	if mode == modeMetaspace {
		t.addPrefix = true
	}
	if v.UNK >= 0 && v.UNK < len(v.Tokens) {
		t.unk, t.hasUnk = v.UNK, true
	}
	if v.EOS >= 0 && v.EOS < len(v.Tokens) {
		t.eos, t.hasEOS = v.EOS, true
	} else {
		t.eos, t.hasEOS = t.lookup(eosCandidates...)
	}
	if v.AddBOS && v.BOS >= 0 && v.BOS < len(v.Tokens) {
		t.bos, t.addBOS = v.BOS, true
	}
	return t, nil
}
