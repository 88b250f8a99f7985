package rules

import (
	"context"
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

// passportRegex matches the two lines of an ICAO 9303 TD3 machine readable
// zone. 'k' and 'x' are common OCR misreadings of the filler '<'. Country
// codes shorter than three letters are padded with '<', as in "D<<".
var passportRegex = regexp.MustCompile(
	`P[A-Z<kx]([A-Z][A-Z<]{2})[A-Z<kx]{39}[\n \t,]?` +
		`([\dA-Z]{9})(\d)([A-Z][A-Z<]{2})(\d{6})(\d)[MF<kx](\d{6})(\d)([A-Z\d<kx]{14})(\d)(\d)`)

// PassportRule finds passport machine readable zones whose check digits are
// all valid.
type PassportRule struct {
	Properties
}

var _ SimpleRule = (*PassportRule)(nil)

func NewPassportRule(opts ...Option) *PassportRule {
	return &PassportRule{Properties: newProperties(opts)}
}

func (r *PassportRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *PassportRule) OperatesOn() conversions.OutputType { return conversions.MRZ }
func (r *PassportRule) Presentation() string               { return r.presentation("Passport MRZ") }

func (r *PassportRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	runes := []rune(content)
	idx := newTextIndex(content)
	var out []Match
	for _, g := range passportRegex.FindAllStringSubmatchIndex(content, -1) {
		field := func(i int) string { return content[g[2*i]:g[2*i+1]] }
		issuer, number, cd1 := field(1), field(2), field(3)
		birth, cd2, expiry, cd3 := field(5), field(6), field(7), field(8)
		personal, cd4, composite := field(9), field(10), field(11)

		if !mrzCheck(number, cd1) || !mrzCheck(birth, cd2) || !mrzCheck(expiry, cd3) ||
			!mrzCheck(personal, cd4) ||
			!mrzCheck(number+cd1+birth+cd2+expiry+cd3+personal+cd4, composite) {
			continue
		}

		lo, hi := idx.runeOffset(g[0]), idx.runeOffset(g[1])
		m := matchContext(runes, lo, hi, nil)
		m["match"] = fmt.Sprintf("Passport number %s (issued by %s)", number, strings.TrimRight(issuer, "<"))
		m["sensitivity"] = r.sensitivityValue()
		out = append(out, m)
	}
	return out, nil
}

var mrzWeights = [3]int{7, 3, 1}

// mrzCheck validates an ICAO check digit. Letters count from 10 for 'A';
// fillers count as 0.
func mrzCheck(s, digit string) bool {
	sum := 0
	for i, c := range s {
		var v int
		switch {
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		case c >= '0' && c <= '9':
			v = int(c - '0')
		}
		sum += v * mrzWeights[i%3]
	}
	return len(digit) == 1 && sum%10 == int(digit[0]-'0')
}

func (r *PassportRule) ToJSON() any { return r.json("passport") }

func init() {
	RegisterRule("passport", func(obj model.Object) (Rule, error) {
		return NewPassportRule(propertiesFromJSON(obj).opts()...), nil
	})
}
