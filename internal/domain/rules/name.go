package rules

import (
	"context"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	regexp "github.com/wasilibs/go-re2"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

const (
	// inlineSpace is whitespace that does not break a line.
	inlineSpace = `[^\S\n\r]+`
	simpleName  = `\p{Lu}(?:\p{L}+|\.?)`
	namePart    = simpleName + `(?:-` + simpleName + `)?`
)

var (
	fullNameRegex = regexp.MustCompile(
		`(?P<first>` + namePart + `)` +
			`(?P<middle>(?:` + inlineSpace + namePart + `){0,3})` +
			`(?P<last>` + inlineSpace + namePart + `)`)
	singleNameRegex = regexp.MustCompile(namePart)
)

// NameRule finds personal names by matching capitalised words against the
// embedded first and last name datasets.
type NameRule struct {
	Properties
	whitelist []string
	blacklist []string

	firstNames, lastNames map[string]struct{}
}

var _ SimpleRule = (*NameRule)(nil)

// NewNameRule builds a NameRule. Whitelisted names are never reported and
// blacklisted names always are.
func NewNameRule(whitelist, blacklist []string, opts ...Option) *NameRule {
	return &NameRule{
		Properties: newProperties(opts),
		whitelist:  upperAll(whitelist),
		blacklist:  upperAll(blacklist),
		firstNames: mustLoadUpperSet("names", "first_names"),
		lastNames:  mustLoadUpperSet("names", "last_names"),
	}
}

func (r *NameRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *NameRule) OperatesOn() conversions.OutputType { return conversions.Text }
func (r *NameRule) Presentation() string               { return r.presentation("personal name") }

type nameSet int

const (
	firstNameSet nameSet = iota
	lastNameSet
	anyNameSet
)

func (r *NameRule) isName(fragment string, set nameSet) bool {
	fragment = strings.ToUpper(fragment)
	if slices.Contains(r.blacklist, fragment) {
		return true
	}
	if slices.Contains(r.whitelist, fragment) {
		return false
	}
	_, first := r.firstNames[fragment]
	_, last := r.lastNames[fragment]
	switch set {
	case firstNameSet:
		return first
	case lastNameSet:
		return last
	}
	return first || last
}

func (r *NameRule) anyName(fragments []string) bool {
	for _, f := range fragments {
		if r.isName(f, anyNameSet) {
			return true
		}
	}
	return false
}

func (r *NameRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	idx := newTextIndex(content)
	// Spans of reported full names are blanked out before looking for
	// standalone names.
	remaining := []byte(content)
	var out []Match

	for _, loc := range fullNameRegex.FindAllStringSubmatchIndex(content, -1) {
		lo, hi := loc[0], trimTrailingDot(content, loc[1])
		if !atWordStart(content, lo) {
			continue
		}

		first := content[loc[2]:loc[3]]
		var middle []string
		if loc[4] < loc[5] {
			middle = strings.Fields(content[loc[4]:loc[5]])
		}
		last := strings.TrimSpace(content[loc[6]:hi])

		firstMatch := r.isName(first, firstNameSet)
		lastMatch := r.isName(last, lastNameSet)
		middleMatch := r.anyName(middle)

		// "Word Firstname Lastname": shift middle names into the first name.
		for middleMatch && !firstMatch {
			lo += len(first) + strings.Index(content[lo+len(first):hi], middle[0])
			first, middle = middle[0], middle[1:]
			firstMatch = r.isName(first, firstNameSet)
			middleMatch = r.anyName(middle)
		}
		// "Firstname Lastname Word": and likewise into the last name.
		for middleMatch && !lastMatch {
			hi = lo + strings.LastIndex(content[lo:hi], middle[len(middle)-1]) + len(middle[len(middle)-1])
			last, middle = middle[len(middle)-1], middle[:len(middle)-1]
			lastMatch = r.isName(last, lastNameSet)
			middleMatch = r.anyName(middle)
		}

		fullName := strings.ToUpper(strings.Join(slices.Concat([]string{first}, middle, []string{last}), " "))
		blacklisted := slices.ContainsFunc(r.blacklist, func(b string) bool {
			return strings.Contains(fullName, b)
		})

		var sensitivity Sensitivity
		switch {
		case (firstMatch && lastMatch) || blacklisted:
			sensitivity = Critical
		case firstMatch || lastMatch || middleMatch:
			sensitivity = Problem
		default:
			continue
		}

		for i := lo; i < hi; i++ {
			remaining[i] = ' '
		}
		out = append(out, Match{
			"match":       content[lo:hi],
			"offset":      idx.runeOffset(lo),
			"sensitivity": int(sensitivity),
		})
	}

	rest := string(remaining)
	idx = newTextIndex(content)
	for _, loc := range singleNameRegex.FindAllStringIndex(rest, -1) {
		if !atWordStart(rest, loc[0]) {
			continue
		}
		word := rest[loc[0]:loc[1]]
		if r.isName(word, anyNameSet) {
			out = append(out, Match{
				"match":       word,
				"offset":      idx.runeOffset(loc[0]),
				"sensitivity": int(r.sensitivityOr(Problem)),
			})
		}
	}
	return out, nil
}

// atWordStart reports whether no letter, digit or underscore precedes
// s[i:].
func atWordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	c, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(c)
}

// trimTrailingDot drops a final '.' from s[:end] unless a word character
// follows it, so that a sentence-ending initial is not part of a name.
func trimTrailingDot(s string, end int) int {
	if end == 0 || s[end-1] != '.' {
		return end
	}
	if c, _ := utf8.DecodeRuneInString(s[end:]); end < len(s) && isWordRune(c) {
		return end
	}
	return end - 1
}

func isWordRune(c rune) bool { return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) }

func (r *NameRule) ToJSON() any {
	obj := r.json("name")
	obj["whitelist"] = stringsOrEmpty(r.whitelist)
	obj["blacklist"] = stringsOrEmpty(r.blacklist)
	return obj
}

func init() {
	RegisterRule("name", func(obj model.Object) (Rule, error) {
		return NewNameRule(
			model.StringsField(obj, "whitelist", nil),
			model.StringsField(obj, "blacklist", nil),
			propertiesFromJSON(obj).opts()...,
		), nil
	})
}
