package dataset

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		formula string
		want    []string
	}{
		{`x^2`, []string{"x", "^", "2"}},
		{`\frac{a}{b}`, []string{`\frac`, "{", "a", "}", "{", "b", "}"}},
		{`\alpha \, \beta`, []string{`\alpha`, `\,`, `\beta`}},
		{`a\\b`, []string{"a", `\\`, "b"}},
		{`  `, nil},
		{`\`, []string{`\`}},
	}

	for _, tt := range tests {
		if got := Split(tt.formula); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Split(%q) = %q, want %q", tt.formula, got, tt.want)
		}
	}
}

func TestTokenizerEncodeDecode(t *testing.T) {
	tok, err := NewTokenizer([]string{`x^2`, `x+y`, `\frac{x}{2}`}, Specials{Pad: 0, BOS: 1, EOS: 2})
	if err != nil {
		t.Fatalf("NewTokenizer failed: %v", err)
	}

	if tok.UNK != 3 || tok.Tokens[3] != UNKTokenName {
		t.Errorf("Expected UNK at 3, got %d", tok.UNK)
	}
	// x appears three times, so it is the first regular token.
	if tok.Tokens[4] != "x" {
		t.Errorf("Expected most frequent token x at id 4, got %q", tok.Tokens[4])
	}

	ids := tok.Encode(`\frac{x}{2}`)
	if len(ids) != 7 {
		t.Fatalf("Expected 7 ids, got %d", len(ids))
	}
	seq := append([]int{tok.BOS}, ids...)
	seq = append(seq, tok.EOS, tok.Pad, 99)
	if got := tok.Decode(seq); got != `\frac { x } { 2 }` {
		t.Errorf("Unexpected decode: %q", got)
	}

	if ids := tok.Encode(`\gamma`); len(ids) != 1 || ids[0] != tok.UNK {
		t.Errorf("Expected unknown token id, got %v", ids)
	}
}

func TestTokenizerSpecials(t *testing.T) {
	tok, err := NewTokenizer(nil, Specials{Pad: 3, BOS: 0, EOS: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{BOSTokenName, EOSTokenName, UNKTokenName, PadTokenName}
	if !reflect.DeepEqual(tok.Tokens, want) {
		t.Errorf("Unexpected layout %v", tok.Tokens)
	}

	for _, s := range []Specials{{0, 0, 1}, {0, 1, 4}, {-1, 1, 2}} {
		if _, err := NewTokenizer(nil, s); err == nil {
			t.Errorf("Expected error for specials %+v", s)
		}
	}
}

func TestTokenizerSaveLoad(t *testing.T) {
	tok, err := NewTokenizer([]string{`a+b=c`}, Specials{Pad: 0, BOS: 1, EOS: 2})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := tok.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadTokenizer(path)
	if err != nil {
		t.Fatalf("LoadTokenizer failed: %v", err)
	}
	if loaded.Size() != tok.Size() {
		t.Errorf("Expected size %d, got %d", tok.Size(), loaded.Size())
	}
	if !reflect.DeepEqual(loaded.Encode(`c=b+a`), tok.Encode(`c=b+a`)) {
		t.Error("Loaded tokenizer encodes differently")
	}

	if _, err := LoadTokenizer(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}
