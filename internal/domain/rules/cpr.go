package rules

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	regexp "github.com/wasilibs/go-re2"
	"golang.org/x/text/cases"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

var cprRegex = regexp.MustCompile(`\b(\d{2}[\s]?\d{2}[\s]?\d{2})(?:[\s\-/\.]|\s\-\s)?(\d{4})\b`)

var (
	defaultCPRWhitelist = []string{"cpr"}
	defaultCPRBlacklist = []string{"p-nr", "p.nr", "p-nummer", "pnr"}
)

// CPRRule finds Danish civil registration numbers.
type CPRRule struct {
	Properties
	modulus11        bool
	ignoreIrrelevant bool
	examineContext   bool
	whitelist        []string
	blacklist        []string
	exceptions       []string

	probability *cprProbability
	now         func() time.Time
}

var _ SimpleRule = (*CPRRule)(nil)

// CPROption configures a CPRRule.
type CPROption func(*CPRRule)

// WithModulus11 toggles rejection of numbers failing the modulus 11 check.
func WithModulus11(on bool) CPROption { return func(r *CPRRule) { r.modulus11 = on } }

// WithIgnoreIrrelevant toggles rejection of birth dates in the future.
func WithIgnoreIrrelevant(on bool) CPROption { return func(r *CPRRule) { r.ignoreIrrelevant = on } }

// WithExamineContext toggles the blacklist and the analysis of the words
// surrounding each number.
func WithExamineContext(on bool) CPROption { return func(r *CPRRule) { r.examineContext = on } }

// WithCPRWhitelist replaces the words that mark a number as certainly a CPR.
func WithCPRWhitelist(words ...string) CPROption {
	return func(r *CPRRule) { r.whitelist = words }
}

// WithCPRBlacklist replaces the words whose presence anywhere in the text
// suppresses every match.
func WithCPRBlacklist(words ...string) CPROption {
	return func(r *CPRRule) { r.blacklist = words }
}

// WithCPRExceptions lists numbers that are never reported.
func WithCPRExceptions(cprs ...string) CPROption {
	return func(r *CPRRule) { r.exceptions = cprs }
}

// WithRuleOptions applies the shared rule properties.
func WithRuleOptions(opts ...Option) CPROption {
	return func(r *CPRRule) {
		for _, opt := range opts {
			opt(&r.Properties)
		}
	}
}

// NewCPRRule returns a CPRRule with every check enabled.
func NewCPRRule(opts ...CPROption) *CPRRule {
	r := &CPRRule{
		modulus11:        true,
		ignoreIrrelevant: true,
		examineContext:   true,
		whitelist:        defaultCPRWhitelist,
		blacklist:        defaultCPRBlacklist,
		probability:      defaultCPRProbability,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CPRRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *CPRRule) OperatesOn() conversions.OutputType { return conversions.Text }

func (r *CPRRule) Presentation() string {
	var checks []string
	if r.modulus11 {
		checks = append(checks, "modulus 11")
	}
	if r.ignoreIrrelevant {
		checks = append(checks, "relevance check")
	}
	if r.examineContext {
		checks = append(checks, "context check")
	}
	if len(checks) == 0 {
		return r.presentation("CPR number")
	}
	return r.presentation("CPR number (with " + oxfordComma(checks, "and") + ")")
}

func (r *CPRRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	fold := cases.Fold()
	if r.examineContext && len(r.blacklist) > 0 {
		folded := fold.String(content)
		for _, word := range r.blacklist {
			if strings.Contains(folded, fold.String(word)) {
				return nil, nil
			}
		}
	}

	runes := []rune(content)
	idx := newTextIndex(content)
	today := r.now()
	var out []Match
	for _, loc := range cprRegex.FindAllStringSubmatchIndex(content, -1) {
		cpr := strings.Join(strings.Fields(content[loc[2]:loc[3]]), "") + content[loc[4]:loc[5]]
		if slices.Contains(r.exceptions, cpr) {
			continue
		}

		birth, err := cprBirthDate(cpr)
		if err != nil {
			continue
		}
		if r.ignoreIrrelevant && birth.After(today) {
			continue
		}
		if r.modulus11 && !modulus11(cpr) && !isCPRExceptionDate(birth) {
			continue
		}
		probability := r.probability.Probability(cpr, birth)

		if r.examineContext {
			switch r.contextVerdict(content, loc[0], loc[1]) {
			case contextWhitelisted:
				probability = 1.0
			case contextRejected:
				continue
			}
		}

		lo, hi := idx.runeOffset(loc[0]), idx.runeOffset(loc[1])
		m := matchContext(runes, lo, hi, maskCPRs)
		m["match"] = cpr[:4] + "XXXXXX"
		m["probability"] = probability
		m["sensitivity"] = int(r.sensitivityOr(Critical))
		out = append(out, m)
	}
	return out, nil
}

func maskCPRs(s string) string { return cprRegex.ReplaceAllString(s, "XXXXXX-XXXX") }

type contextVerdict int

const (
	contextNeutral contextVerdict = iota
	contextWhitelisted
	contextRejected
)

const wordPunctuation = `.,;:!?"'()[]{}<>`

// contextVerdict inspects the two words on each side of the number found at
// content[lo:hi], plus any text glued directly to it.
func (r *CPRRule) contextVerdict(content string, lo, hi int) contextVerdict {
	before := strings.Fields(content[:lo])
	after := strings.Fields(content[hi:])

	var prefix, suffix string
	if c, _ := utf8.DecodeLastRuneInString(content[:lo]); lo > 0 && !unicode.IsSpace(c) {
		prefix, before = before[len(before)-1], before[:len(before)-1]
	}
	if c, _ := utf8.DecodeRuneInString(content[hi:]); hi < len(content) && !unicode.IsSpace(c) {
		suffix, after = after[0], after[1:]
	}
	if len(before) > 2 {
		before = before[len(before)-2:]
	}
	if len(after) > 2 {
		after = after[:2]
	}

	fold := cases.Fold()
	neighbours := slices.Concat(before, after, []string{prefix, suffix})
	for _, w := range neighbours {
		fw := fold.String(w)
		for _, white := range r.whitelist {
			if white != "" && strings.Contains(fw, fold.String(white)) {
				return contextWhitelisted
			}
		}
	}

	if strings.HasSuffix(prefix, "+") || strings.HasSuffix(prefix, "-") || strings.ContainsAny(prefix, "!#%") {
		return contextRejected
	}
	if strings.HasPrefix(suffix, "+") || strings.HasPrefix(suffix, "-") || strings.ContainsAny(suffix, "!#%") {
		return contextRejected
	}

	surroundings := strings.Join(slices.Concat(before, []string{prefix + content[lo:hi] + suffix}, after), " ")
	for _, pair := range [][2]string{{"(", ")"}, {"[", "]"}, {"{", "}"}, {"<", ">"}} {
		if strings.Count(surroundings, pair[0]) != strings.Count(surroundings, pair[1]) {
			return contextRejected
		}
	}

	if len(before) > 0 && isForeignNumber(before[len(before)-1]) {
		return contextRejected
	}
	if len(after) > 0 && isForeignNumber(after[0]) {
		return contextRejected
	}

	for _, w := range slices.Concat(before, after) {
		if isMixedCase(w) {
			return contextRejected
		}
	}
	return contextNeutral
}

// isForeignNumber reports whether w is a number that does not look like a
// CPR number itself.
func isForeignNumber(w string) bool {
	w = strings.Trim(w, wordPunctuation)
	if w == "" || cprRegex.MatchString(w) {
		return false
	}
	for _, c := range w {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isMixedCase reports whether the letters of w are neither all lower case,
// all upper case nor capitalised.
func isMixedCase(w string) bool {
	var letters []rune
	for _, c := range w {
		if unicode.IsLetter(c) {
			letters = append(letters, c)
		}
	}
	if len(letters) < 2 {
		return false
	}
	allLower, allUpper, restLower := true, true, true
	for i, c := range letters {
		if !unicode.IsLower(c) {
			allLower = false
			if i > 0 {
				restLower = false
			}
		}
		if !unicode.IsUpper(c) {
			allUpper = false
		}
	}
	title := unicode.IsUpper(letters[0]) && restLower
	return !allLower && !allUpper && !title
}

func (r *CPRRule) ToJSON() any {
	obj := r.json("cpr")
	obj["modulus_11"] = r.modulus11
	obj["ignore_irrelevant"] = r.ignoreIrrelevant
	obj["examine_context"] = r.examineContext
	obj["whitelist"] = stringsOrEmpty(r.whitelist)
	obj["blacklist"] = stringsOrEmpty(r.blacklist)
	obj["exceptions"] = stringsOrEmpty(r.exceptions)
	return obj
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func init() {
	RegisterRule("cpr", func(obj model.Object) (Rule, error) {
		return NewCPRRule(
			WithModulus11(model.BoolField(obj, "modulus_11", true)),
			WithIgnoreIrrelevant(model.BoolField(obj, "ignore_irrelevant", true)),
			WithExamineContext(model.BoolField(obj, "examine_context", true)),
			WithCPRWhitelist(model.StringsField(obj, "whitelist", defaultCPRWhitelist)...),
			WithCPRBlacklist(model.StringsField(obj, "blacklist", defaultCPRBlacklist)...),
			WithCPRExceptions(model.StringsField(obj, "exceptions", nil)...),
			WithRuleOptions(propertiesFromJSON(obj).opts()...),
		), nil
	})
}
