package dataset

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Special token spellings.
const (
	PadTokenName = "[PAD]"
	BOSTokenName = "[BOS]"
	EOSTokenName = "[EOS]"
	UNKTokenName = "[UNK]"
)

// Specials assigns ids to the reserved tokens. The unknown token takes the
// remaining id below four.
type Specials struct {
	Pad int
	BOS int
	EOS int
}

// Tokenizer maps LaTeX source to token ids. A token is a control word
// (backslash followed by letters), a control symbol (backslash followed by
// one non-letter) or any other single non-space rune.
type Tokenizer struct {
	Tokens []string `json:"tokens"`
	Pad    int      `json:"pad_token"`
	BOS    int      `json:"bos_token"`
	EOS    int      `json:"eos_token"`
	UNK    int      `json:"unk_token"`

	vocab map[string]int
}

// Split breaks a formula into LaTeX tokens.
func Split(formula string) []string {
	var tokens []string
	runes := []rune(formula)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\\' && i+1 < len(runes) && isLetter(runes[i+1]):
			j := i + 1
			for j < len(runes) && isLetter(runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case r == '\\' && i+1 < len(runes):
			tokens = append(tokens, string(runes[i:i+2]))
			i += 2
		default:
			tokens = append(tokens, string(r))
			i++
		}
	}
	return tokens
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// NewTokenizer builds a vocabulary from formulas, most frequent token first.
func NewTokenizer(formulas []string, specials Specials) (*Tokenizer, error) {
	t := &Tokenizer{Pad: specials.Pad, BOS: specials.BOS, EOS: specials.EOS, UNK: -1}
	reserved := map[int]string{t.Pad: PadTokenName, t.BOS: BOSTokenName, t.EOS: EOSTokenName}
	if len(reserved) != 3 {
		return nil, errors.Errorf("special token ids must be distinct, got %+v", specials)
	}
	for id := range reserved {
		if id < 0 || id > 3 {
			return nil, errors.Errorf("special token id %d outside [0, 4)", id)
		}
	}

	t.Tokens = make([]string, 4)
	for id := 0; id < 4; id++ {
		if name, ok := reserved[id]; ok {
			t.Tokens[id] = name
		} else {
			t.Tokens[id] = UNKTokenName
			t.UNK = id
		}
	}

	counts := make(map[string]int)
	for _, f := range formulas {
		for _, tok := range Split(f) {
			counts[tok]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	t.Tokens = append(t.Tokens, words...)

	t.index()
	return t, nil
}

// LoadTokenizer reads a vocabulary saved by Save.
func LoadTokenizer(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tokenizer")
	}
	var t Tokenizer
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrapf(err, "failed to decode tokenizer %s", path)
	}
	for _, id := range []int{t.Pad, t.BOS, t.EOS, t.UNK} {
		if id < 0 || id >= len(t.Tokens) {
			return nil, errors.Errorf("tokenizer %s: special id %d outside vocabulary of %d", path, id, len(t.Tokens))
		}
	}
	t.index()
	return &t, nil
}

// Save writes the vocabulary as JSON.
func (t *Tokenizer) Save(path string) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode tokenizer")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0644), "failed to write tokenizer")
}

func (t *Tokenizer) index() {
	t.vocab = make(map[string]int, len(t.Tokens))
	for id, tok := range t.Tokens {
		if _, ok := t.vocab[tok]; !ok {
			t.vocab[tok] = id
		}
	}
}

// Size is the number of ids in the vocabulary.
func (t *Tokenizer) Size() int {
	return len(t.Tokens)
}

// Encode tokenizes formula without adding BOS or EOS.
func (t *Tokenizer) Encode(formula string) []int {
	words := Split(formula)
	ids := make([]int, len(words))
	for i, w := range words {
		id, ok := t.vocab[w]
		if !ok {
			id = t.UNK
		}
		ids[i] = id
	}
	return ids
}

// Words maps ids back to tokens, stopping at EOS and skipping PAD and BOS.
func (t *Tokenizer) Words(ids []int) []string {
	var words []string
	for _, id := range ids {
		if id == t.EOS {
			break
		}
		if id == t.Pad || id == t.BOS {
			continue
		}
		if id < 0 || id >= len(t.Tokens) {
			words = append(words, UNKTokenName)
			continue
		}
		words = append(words, t.Tokens[id])
	}
	return words
}

// Decode renders ids as a space-separated token string.
func (t *Tokenizer) Decode(ids []int) string {
	return strings.Join(t.Words(ids), " ")
}
