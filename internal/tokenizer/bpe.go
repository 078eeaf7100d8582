package tokenizer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type pieceMode int

const (
	// modeByteLevel is GPT-2 style: bytes are remapped to printable runes
	// before merging.
	modeByteLevel pieceMode = iota
	// modeMetaspace is SentencePiece style: spaces become '▁' and unknown
	// runes may fall back to <0xNN> byte pieces.
	modeMetaspace
)

const metaspace = "▁"

type addedToken struct {
	content string
	id      int
}

// bpeTokenizer is the shared merge-based tokenizer behind tokenizer.json and
// GGUF vocabularies.
type bpeTokenizer struct {
	mode         pieceMode
	vocab        map[string]int
	pieces       []string
	ranks        map[string]int
	scores       []float32
	special      map[int]bool
	literal      map[int]bool
	added        []addedToken
	byteFallback bool
	addPrefix    bool

	unk    int
	hasUnk bool
	bos    int
	addBOS bool
	eos    int
	hasEOS bool

	byteEnc [256]rune
	byteDec map[rune]byte
}

func newBPE(mode pieceMode) *bpeTokenizer {
	t := &bpeTokenizer{
		mode:    mode,
		vocab:   make(map[string]int),
		special: make(map[int]bool),
		literal: make(map[int]bool),
	}
	t.byteEnc, t.byteDec = byteLevelTables()
	return t
}

// byteLevelTables builds the GPT-2 bytes-to-unicode mapping.
func byteLevelTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			enc[b] = rune(b)
		} else {
			enc[b] = rune(256 + n)
			n++
		}
		dec[enc[b]] = byte(b)
	}
	return enc, dec
}

// setPiece records id -> piece, growing the table as needed.
func (t *bpeTokenizer) setPiece(id int, piece string) {
	if id < 0 {
		return
	}
	for len(t.pieces) <= id {
		t.pieces = append(t.pieces, "")
	}
	t.pieces[id] = piece
	if _, ok := t.vocab[piece]; !ok {
		t.vocab[piece] = id
	}
}

func (t *bpeTokenizer) addLiteral(content string, id int, special bool) {
	if content == "" {
		return
	}
	t.setPiece(id, content)
	t.literal[id] = true
	if special {
		t.special[id] = true
	}
	t.added = append(t.added, addedToken{content: content, id: id})
}

// finish sorts literal tokens so the longest match wins.
func (t *bpeTokenizer) finish() {
	sort.SliceStable(t.added, func(i, j int) bool { return len(t.added[i].content) > len(t.added[j].content) })
}

func (t *bpeTokenizer) lookup(names ...string) (int, bool) {
	for _, n := range names {
		if id, ok := t.vocab[n]; ok {
			return id, true
		}
	}
	return 0, false
}

func (t *bpeTokenizer) VocabSize() int { return len(t.pieces) }

func (t *bpeTokenizer) EOS() (int, bool) { return t.eos, t.hasEOS }

type segment struct {
	text string
	id   int
}

// splitAdded cuts text around literal (added) tokens.
func (t *bpeTokenizer) splitAdded(text string) []segment {
	if len(t.added) == 0 {
		return []segment{{text: text, id: -1}}
	}
	var out []segment
	start := 0
	for i := 0; i < len(text); {
		matched := false
		for _, a := range t.added {
			if strings.HasPrefix(text[i:], a.content) {
				if i > start {
					out = append(out, segment{text: text[start:i], id: -1})
				}
				out = append(out, segment{id: a.id})
				i += len(a.content)
				start = i
				matched = true
				break
			}
		}
		if !matched {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
		}
	}
	if start < len(text) {
		out = append(out, segment{text: text[start:], id: -1})
	}
	return out
}

func (t *bpeTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS {
		ids = append(ids, t.bos)
	}
	for i, seg := range t.splitAdded(text) {
		if seg.id >= 0 {
			ids = append(ids, seg.id)
			continue
		}
		var err error
		if t.mode == modeByteLevel {
			ids, err = t.encodeByteLevel(ids, seg.text)
		} else {
			ids, err = t.encodeMetaspace(ids, seg.text, i == 0)
		}
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (t *bpeTokenizer) encodeByteLevel(ids []int, s string) ([]int, error) {
	for _, word := range splitByteLevel(s) {
		syms := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			syms = append(syms, string(t.byteEnc[word[i]]))
		}
		for _, p := range t.merge(syms) {
			id, ok := t.vocab[p]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownToken, p)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *bpeTokenizer) encodeMetaspace(ids []int, s string, first bool) ([]int, error) {
	s = strings.ReplaceAll(s, " ", metaspace)
	if first && t.addPrefix {
		s = metaspace + s
	}
	for _, word := range splitMetaspace(s) {
		syms := make([]string, 0, len(word))
		for _, r := range word {
			syms = append(syms, string(r))
		}
		for _, p := range t.merge(syms) {
			if id, ok := t.vocab[p]; ok {
				ids = append(ids, id)
				continue
			}
			if t.byteFallback {
				for i := 0; i < len(p); i++ {
					id, ok := t.vocab[byteToken(p[i])]
					if !ok {
						return nil, fmt.Errorf("%w: byte 0x%02X", ErrUnknownToken, p[i])
					}
					ids = append(ids, id)
				}
				continue
			}
			if t.hasUnk {
				ids = append(ids, t.unk)
				continue
			}
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, p)
		}
	}
	return ids, nil
}

// merge applies the lowest-ranked pair merge until no pair qualifies.
func (t *bpeTokenizer) merge(syms []string) []string {
	for len(syms) > 1 {
		best := -1
		var bestRank float64
		for i := 0; i+1 < len(syms); i++ {
			r, ok := t.rank(syms[i], syms[i+1])
			if ok && (best < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		syms[best] += syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
	}
	return syms
}

// rank orders candidate merges: explicit merge lists win, otherwise the
// vocabulary score of the merged piece (higher score merges first).
func (t *bpeTokenizer) rank(a, b string) (float64, bool) {
	if len(t.ranks) > 0 {
		r, ok := t.ranks[a+" "+b]
		return float64(r), ok
	}
	id, ok := t.vocab[a+b]
	if !ok {
		return 0, false
	}
	if id < len(t.scores) {
		return -float64(t.scores[id]), true
	}
	return float64(id), true
}

func (t *bpeTokenizer) Decode(ids []int) (string, error) {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) {
			return "", fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
		if t.special[id] {
			continue
		}
		piece := t.pieces[id]
		if t.literal[id] {
			buf = append(buf, piece...)
			continue
		}
		if t.mode == modeByteLevel {
			for _, r := range piece {
				if b, ok := t.byteDec[r]; ok {
					buf = append(buf, b)
				} else {
					buf = utf8.AppendRune(buf, r)
				}
			}
			continue
		}
		if b, ok := parseByteToken(piece); ok {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, strings.ReplaceAll(piece, metaspace, " ")...)
	}
	return string(buf), nil
}

func byteToken(b byte) string { return fmt.Sprintf("<0x%02X>", b) }

func parseByteToken(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(p[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

var contractions = []string{"'s", "'t", "'re", "'ve", "'m", "'ll", "'d"}

// splitByteLevel approximates the GPT-2 pre-tokenizer: contractions, an
// optional leading space glued to a run of letters, digits or punctuation,
// and whitespace runs that leave their last space to the following word.
func splitByteLevel(s string) []string {
	rs := []rune(s)
	var out []string
	for i := 0; i < len(rs); {
		if c := matchContraction(rs[i:]); c != "" {
			out = append(out, c)
			i += len([]rune(c))
			continue
		}
		j := i
		if rs[j] == ' ' && j+1 < len(rs) && !unicode.IsSpace(rs[j+1]) {
			j++
		}
		switch r := rs[j]; {
		case unicode.IsLetter(r):
			for j < len(rs) && unicode.IsLetter(rs[j]) {
				j++
			}
		case unicode.IsNumber(r):
			for j < len(rs) && unicode.IsNumber(rs[j]) {
				j++
			}
		case !unicode.IsSpace(r):
			for j < len(rs) && !unicode.IsSpace(rs[j]) && !unicode.IsLetter(rs[j]) && !unicode.IsNumber(rs[j]) {
				j++
			}
		default:
			for j < len(rs) && unicode.IsSpace(rs[j]) {
				j++
			}
			if j < len(rs) && j-i > 1 && rs[j-1] == ' ' {
				j--
			}
		}
		out = append(out, string(rs[i:j]))
		i = j
	}
	return out
}

func matchContraction(rs []rune) string {
	if len(rs) < 2 || rs[0] != '\'' {
		return ""
	}
	for _, c := range contractions {
		cr := []rune(c)
		if len(rs) >= len(cr) && string(rs[:len(cr)]) == c {
			return c
		}
	}
	return ""
}

// splitMetaspace cuts s before every '▁' so each word keeps its marker.
func splitMetaspace(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '▁' && i > start {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
