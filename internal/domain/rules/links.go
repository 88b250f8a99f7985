package rules

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/pkg/common"
)

const linkTimeout = 30 * time.Second

// brokenStatuses are the responses that mark a link as dead. Anything else,
// including server errors, may be transient.
var brokenStatuses = map[int]struct{}{
	http.StatusNotFound:                   {},
	http.StatusGone:                       {},
	http.StatusMisdirectedRequest:         {},
	http.StatusLocked:                     {},
	http.StatusUnavailableForLegalReasons: {},
}

var defaultLinksClient = sync.OnceValue(func() *resty.Client {
	return common.NewHTTPClient(linkTimeout, true)
})

// LinksFollowRule reports links that cannot be followed.
type LinksFollowRule struct {
	Properties
	client *resty.Client
}

var _ SimpleRule = (*LinksFollowRule)(nil)

// LinksOption configures a LinksFollowRule.
type LinksOption func(*LinksFollowRule)

// WithLinksClient replaces the HTTP client used to check links.
func WithLinksClient(c *resty.Client) LinksOption {
	return func(r *LinksFollowRule) { r.client = c }
}

// WithLinksRuleOptions applies shared rule options.
func WithLinksRuleOptions(opts ...Option) LinksOption {
	return func(r *LinksFollowRule) { r.Properties = newProperties(opts) }
}

func NewLinksFollowRule(opts ...LinksOption) *LinksFollowRule {
	r := new(LinksFollowRule)
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = defaultLinksClient()
	}
	return r
}

func (r *LinksFollowRule) Split() (Rule, Rule, Rule)          { return splitSimple(r) }
func (r *LinksFollowRule) OperatesOn() conversions.OutputType { return conversions.Links }
func (r *LinksFollowRule) Presentation() string               { return r.presentation("Check for broken links") }

func (r *LinksFollowRule) Match(ctx context.Context, rep any) ([]Match, error) {
	if rep == nil {
		return nil, nil
	}
	links, ok := rep.([]conversions.Link)
	if !ok {
		return nil, fmt.Errorf("expected links, got %T", rep)
	}

	var out []Match
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code, ok := r.follow(ctx, link.URL)
		if ok {
			continue
		}
		msg := fmt.Sprintf("Unable to follow link. Error code: %d.", code)
		if link.LinkText != "" {
			msg += fmt.Sprintf(" Text: '%s'", link.LinkText)
		}
		encoded, err := conversions.Links.Encode(link)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{
			"match":       encoded,
			"context":     msg,
			"sensitivity": r.sensitivityValue(),
		})
	}
	return out, nil
}

// follow issues a HEAD request for url. A transport failure is reported with
// status code 0.
func (r *LinksFollowRule) follow(ctx context.Context, url string) (int, bool) {
	resp, err := r.client.R().SetContext(ctx).Head(url)
	if err != nil {
		return 0, false
	}
	_, broken := brokenStatuses[resp.StatusCode()]
	return resp.StatusCode(), !broken
}

func (r *LinksFollowRule) ToJSON() any { return r.json("links") }

func init() {
	RegisterRule("links", func(obj model.Object) (Rule, error) {
		return NewLinksFollowRule(WithLinksRuleOptions(propertiesFromJSON(obj).opts()...)), nil
	})
}
