package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// wordGap is the maximum number of characters allowed between the end of one
// word of a word list and the end of the next.
const wordGap = 32

// OrderedWordlistRule finds the word lists of a dataset. The words of a list
// must occur in order, as whole words, each within wordGap characters of the
// previous one. Matching ignores case and reports each list at most once.
type OrderedWordlistRule struct {
	Properties
	dataset   string
	wordlists [][][]rune
}

var _ SimpleRule = (*OrderedWordlistRule)(nil)

// NewOrderedWordlistRule loads the named dataset of word lists.
func NewOrderedWordlistRule(dataset string, opts ...Option) (*OrderedWordlistRule, error) {
	lines, err := loadDataset("wordlists", dataset)
	if err != nil {
		return nil, err
	}
	r := &OrderedWordlistRule{Properties: newProperties(opts), dataset: dataset}
	for _, line := range lines {
		var words [][]rune
		for _, w := range strings.Fields(line) {
			words = append(words, lowerRunes(w))
		}
		r.wordlists = append(r.wordlists, words)
	}
	return r, nil
}

func (r *OrderedWordlistRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *OrderedWordlistRule) OperatesOn() conversions.OutputType { return conversions.Text }

func (r *OrderedWordlistRule) Presentation() string {
	return r.presentation(fmt.Sprintf("lists of words from dataset %s", r.dataset))
}

func (r *OrderedWordlistRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	runes := []rune(content)
	folded := lowerRunes(content)
	var out []Match
	for _, words := range r.wordlists {
		lo, hi, found := matchWordlist(folded, words)
		if !found {
			continue
		}
		m := matchContext(runes, lo, hi, nil)
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = string(w)
		}
		m["match"] = strings.Join(parts, " ")
		m["sensitivity"] = r.sensitivityValue()
		out = append(out, m)
	}
	return out, nil
}

// matchWordlist returns the span of the first chain of words in text. Every
// occurrence of the first word is tried as a starting point.
func matchWordlist(text []rune, words [][]rune) (int, int, bool) {
	if len(words) == 0 {
		return 0, 0, false
	}
	for from := 0; ; {
		start := findWord(text, words[0], from, len(text))
		if start < 0 {
			return 0, 0, false
		}
		end := start + len(words[0])
		chained := true
		for _, w := range words[1:] {
			next := findWord(text, w, end, min(end+wordGap, len(text)))
			if next < 0 {
				chained = false
				break
			}
			end = next + len(w)
		}
		if chained {
			return start, end, true
		}
		from = start + 1
	}
}

// findWord returns the index of the first whole-word occurrence of word that
// lies entirely within text[from:to], or -1.
func findWord(text, word []rune, from, to int) int {
	for i := from; i+len(word) <= to; i++ {
		if !slices.Equal(text[i:i+len(word)], word) {
			continue
		}
		if i > 0 && isWordRune(text[i-1]) {
			continue
		}
		if j := i + len(word); j < len(text) && isWordRune(text[j]) {
			continue
		}
		return i
	}
	return -1
}

// lowerRunes lower-cases s one code point at a time, so offsets into the
// result are offsets into s.
func lowerRunes(s string) []rune {
	out := []rune(s)
	for i, c := range out {
		out[i] = unicode.ToLower(c)
	}
	return out
}

func (r *OrderedWordlistRule) ToJSON() any {
	obj := r.json("ordered-wordlist")
	obj["dataset"] = r.dataset
	return obj
}

// healthTerms is the single-word health vocabulary shared by every
// TurboHealthRule.
var healthTerms = sync.OnceValues(func() (*ahocorasick.Trie, error) {
	terms, err := loadDataset("health", "da_laegehaandbog_terms")
	if err != nil {
		return nil, err
	}
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = string(lowerRunes(t))
	}
	return ahocorasick.NewTrieBuilder().AddStrings(lowered).Build(), nil
})

// TurboHealthRule reports every whole-word occurrence of a term from the
// health vocabulary.
type TurboHealthRule struct {
	Properties
}

var _ SimpleRule = (*TurboHealthRule)(nil)

func NewTurboHealthRule(opts ...Option) *TurboHealthRule {
	return &TurboHealthRule{Properties: newProperties(opts)}
}

func (r *TurboHealthRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *TurboHealthRule) OperatesOn() conversions.OutputType { return conversions.Text }
func (r *TurboHealthRule) Presentation() string               { return r.presentation("Turbo Health Rule") }

func (r *TurboHealthRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}
	trie, err := healthTerms()
	if err != nil {
		return nil, err
	}

	runes := []rune(content)
	lowered := string(lowerRunes(content))
	idx := newTextIndex(lowered)
	var out []Match
	for _, hit := range trie.MatchString(lowered) {
		lo := int(hit.Pos())
		hi := lo + len(hit.MatchString())
		if c, _ := utf8.DecodeLastRuneInString(lowered[:lo]); lo > 0 && isWordRune(c) {
			continue
		}
		if c, _ := utf8.DecodeRuneInString(lowered[hi:]); hi < len(lowered) && isWordRune(c) {
			continue
		}
		rlo, rhi := idx.runeOffset(lo), idx.runeOffset(hi)
		m := matchContext(runes, rlo, rhi, nil)
		m["match"] = string(runes[rlo:rhi])
		m["sensitivity"] = r.sensitivityValue()
		out = append(out, m)
	}
	return out, nil
}

func (r *TurboHealthRule) ToJSON() any { return r.json("health_turbo") }

func init() {
	RegisterRule("ordered-wordlist", func(obj model.Object) (Rule, error) {
		dataset, err := model.StringField(obj, "ordered-wordlist", "dataset")
		if err != nil {
			return nil, err
		}
		r, err := NewOrderedWordlistRule(dataset, propertiesFromJSON(obj).opts()...)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	RegisterRule("health_turbo", func(obj model.Object) (Rule, error) {
		return NewTurboHealthRule(propertiesFromJSON(obj).opts()...), nil
	})
}
