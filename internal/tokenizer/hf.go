package tokenizer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// eosCandidates lists end-of-sequence spellings in preference order.
var eosCandidates = []string{"</s>", "<|endoftext|>", "<|im_end|>", "<|eot_id|>", "<|end_of_text|>", "<eos>", "<|end|>"}

type hfAddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type hfModel struct {
	Type         string          `json:"type"`
	Vocab        map[string]int  `json:"vocab"`
	Merges       json.RawMessage `json:"merges"`
	UnkToken     *string         `json:"unk_token"`
	ByteFallback bool            `json:"byte_fallback"`
}

type hfFile struct {
	AddedTokens   []hfAddedToken  `json:"added_tokens"`
	Normalizer    json.RawMessage `json:"normalizer"`
	PreTokenizer  json.RawMessage `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       json.RawMessage `json:"decoder"`
	Model         hfModel         `json:"model"`
}

// ParseHF builds a tokenizer from the contents of a Hugging Face tokenizer.json.
// Only BPE models are supported, in byte-level or metaspace flavour.
func ParseHF(b []byte) (Tokenizer, error) {
	var f hfFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if typ := f.Model.Type; typ != "" && typ != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", typ)
	}
	if len(f.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has an empty vocabulary")
	}
	norm := flattenComponents(f.Normalizer)
	pre := flattenComponents(f.PreTokenizer)
	dec := flattenComponents(f.Decoder)

	mode := modeMetaspace
	if _, ok := findComponent(pre, "ByteLevel"); ok {
		mode = modeByteLevel
	} else if _, ok := findComponent(dec, "ByteLevel"); ok {
		mode = modeByteLevel
	}
	t := newBPE(mode)
	for piece, id := range f.Model.Vocab {
		t.setPiece(id, piece)
	}
	merges, err := parseMerges(f.Model.Merges)
	if err != nil {
		return nil, err
	}
	if len(merges) > 0 {
		t.ranks = make(map[string]int, len(merges))
		for i, m := range merges {
			if _, dup := t.ranks[m]; !dup {
				t.ranks[m] = i
			}
		}
	}
	for _, a := range f.AddedTokens {
		t.addLiteral(a.Content, a.ID, a.Special)
	}
	t.finish()
	t.byteFallback = f.Model.ByteFallback
	if f.Model.UnkToken != nil {
		t.unk, t.hasUnk = t.lookup(*f.Model.UnkToken)
	}
	if mode == modeMetaspace {
		t.addPrefix = metaspacePrefix(norm, pre)
	}
	if bos := templateBOS(f.PostProcessor); bos != "" {
		t.bos, t.addBOS = t.lookup(bos)
	}
	t.eos, t.hasEOS = t.lookup(eosCandidates...)
	return t, nil
}

// parseMerges accepts both the legacy "a b" form and the newer ["a","b"] pairs.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("parse merges: %w", err)
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("parse merges: pair of length %d", len(p))
		}
		out = append(out, p[0]+" "+p[1])
	}
	return out, nil
}

// flattenComponents walks Sequence-style normalizers, pre-tokenizers and
// decoders into a flat list of component objects.
func flattenComponents(raw json.RawMessage) []map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil
	}
	var out []map[string]any
	var walk func(m map[string]any)
	walk = func(m map[string]any) {
		out = append(out, m)
		for _, key := range []string{"normalizers", "pretokenizers", "decoders", "processors"} {
			arr, _ := m[key].([]any)
			for _, e := range arr {
				if em, ok := e.(map[string]any); ok {
					walk(em)
				}
			}
		}
	}
	walk(root)
	return out
}

func findComponent(cs []map[string]any, typ string) (map[string]any, bool) {
	for _, c := range cs {
		if t, _ := c["type"].(string); t == typ {
			return c, true
		}
	}
	return nil, false
}

func metaspacePrefix(norm, pre []map[string]any) bool {
	if _, ok := findComponent(norm, "Prepend"); ok {
		return true
	}
	m, ok := findComponent(pre, "Metaspace")
	if !ok {
		return false
	}
	if scheme, _ := m["prepend_scheme"].(string); scheme == "never" {
		return false
	}
	if aps, ok := m["add_prefix_space"].(bool); ok && !aps {
		return false
	}
	return true
}

// templateBOS returns the special token a TemplateProcessing post-processor
// places before a single sequence.
func templateBOS(raw json.RawMessage) string {
	for _, c := range flattenComponents(raw) {
		if t, _ := c["type"].(string); t != "TemplateProcessing" {
			continue
		}
		single, _ := c["single"].([]any)
		if len(single) == 0 {
			return ""
		}
		first, _ := single[0].(map[string]any)
		st, _ := first["SpecialToken"].(map[string]any)
		id, _ := st["id"].(string)
		return strings.TrimSpace(id)
	}
	return ""
}
