package tokenizer

import "fmt"

// ByteEOS is the end-of-sequence id of the byte tokenizer.
const ByteEOS = 256

// byteTokenizer maps every byte to its own id. It round-trips any input
// exactly and is used for tests and tiny synthetic models.
type byteTokenizer struct{}

// NewByteTokenizer returns a tokenizer with ids 0..255 for bytes and ByteEOS.
func NewByteTokenizer() Tokenizer { return byteTokenizer{} }

func (byteTokenizer) Encode(text string) ([]int, error) {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out, nil
}

func (byteTokenizer) Decode(ids []int) (string, error) {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id == ByteEOS:
			continue
		case id < 0 || id > 255:
			return "", fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
		b = append(b, byte(id))
	}
	return string(b), nil
}

func (byteTokenizer) EOS() (int, bool) { return ByteEOS, true }

func (byteTokenizer) VocabSize() int { return ByteEOS + 1 }
