package rules

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	regexp "github.com/wasilibs/go-re2"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
)

const (
	optionalSpace = `[^\S\n\r]?`
	prependNumber = `\d*[\.-]`
	streetWord    = `\p{Lu}\p{L}*[\./-]?`
	cityWord      = `\p{Lu}\p{L}*\.?`
	houseNumber   = `[1-9][0-9]*[a-zA-Z]?`
	floorPattern  = `[0-9]{0,3}\.?` + inlineSpace + `(?:tv|th|mf|st|kl|sal|[0-9]*)`
	zipCode       = `[1-9][0-9]{3}`
)

var fullAddressRegex = regexp.MustCompile(
	`(?P<street>(?:` + prependNumber + optionalSpace + `)?(?:` + streetWord + optionalSpace + `)+)` +
		`(?P<house>` + houseNumber + `)?` +
		`,?` +
		`(?P<floor>` + inlineSpace + floorPattern + `)?` +
		`,?` +
		`(?:` + optionalSpace + `(?P<zip>` + zipCode + `)` + inlineSpace + `(?P<city>(?:` + cityWord + optionalSpace + `)+))?`)

// AddressRule finds Danish street addresses by matching candidate addresses
// against the embedded street name dataset.
type AddressRule struct {
	Properties
	whitelist []string
	blacklist []string

	streets map[string]struct{}
}

var _ SimpleRule = (*AddressRule)(nil)

// NewAddressRule builds an AddressRule. Whitelisted streets are never
// reported; a street contained in a blacklist entry always is.
func NewAddressRule(whitelist, blacklist []string, opts ...Option) *AddressRule {
	return &AddressRule{
		Properties: newProperties(opts),
		whitelist:  upperAll(whitelist),
		blacklist:  upperAll(blacklist),
		streets:    mustLoadUpperSet("addresses", "streets"),
	}
}

func (r *AddressRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *AddressRule) OperatesOn() conversions.OutputType { return conversions.Text }
func (r *AddressRule) Presentation() string               { return r.presentation("personal address") }

func (r *AddressRule) isStreet(street string) bool {
	street = strings.ToUpper(street)
	if slices.Contains(r.whitelist, street) {
		return false
	}
	_, ok := r.streets[street]
	return ok
}

func (r *AddressRule) Match(_ context.Context, rep any) ([]Match, error) {
	content, ok, err := textOf(rep)
	if !ok || err != nil {
		return nil, err
	}

	streetGroup := slices.Index(fullAddressRegex.SubexpNames(), "street")
	houseGroup := slices.Index(fullAddressRegex.SubexpNames(), "house")

	idx := newTextIndex(content)
	var out []Match
	for _, loc := range fullAddressRegex.FindAllStringSubmatchIndex(content, -1) {
		lo, hi := loc[0], trimNonWord(content, loc[0], loc[1])
		if hi == lo || !atWordStart(content, lo) {
			continue
		}
		group := func(i int) string {
			s, e := loc[2*i], min(loc[2*i+1], hi)
			if s < 0 || s >= e {
				return ""
			}
			return strings.TrimSpace(content[s:e])
		}

		street := group(streetGroup)
		house := group(houseGroup)
		streetUp := strings.ToUpper(street)
		blacklisted := slices.ContainsFunc(r.blacklist, func(b string) bool {
			return strings.Contains(b, streetUp)
		})
		known := r.isStreet(street)

		var sensitivity Sensitivity
		switch {
		case (known && house != "") || blacklisted:
			sensitivity = Critical
		case known:
			sensitivity = Problem
		default:
			continue
		}
		out = append(out, Match{
			"match":       content[lo:hi],
			"offset":      idx.runeOffset(lo),
			"sensitivity": int(sensitivity),
		})
	}
	return out, nil
}

// trimNonWord moves end back over trailing characters that are not part of a
// word, so that a match never ends in punctuation or space.
func trimNonWord(s string, start, end int) int {
	for end > start {
		c, size := utf8.DecodeLastRuneInString(s[start:end])
		if isWordRune(c) {
			break
		}
		end -= size
	}
	return end
}

func (r *AddressRule) ToJSON() any {
	obj := r.json("address")
	obj["whitelist"] = stringsOrEmpty(r.whitelist)
	obj["blacklist"] = stringsOrEmpty(r.blacklist)
	return obj
}

func init() {
	RegisterRule("address", func(obj model.Object) (Rule, error) {
		return NewAddressRule(
			model.StringsField(obj, "whitelist", nil),
			model.StringsField(obj, "blacklist", nil),
			propertiesFromJSON(obj).opts()...,
		), nil
	})
}
