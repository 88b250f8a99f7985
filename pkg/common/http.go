package common

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UserAgent identifies the scanner to the sites it visits.
const UserAgent = "OS2datascanner"

// NewHTTPClient returns a resty client with an instrumented transport. When
// followRedirects is false redirect responses are returned to the caller
// instead of being followed.
func NewHTTPClient(timeout time.Duration, followRedirects bool) *resty.Client {
	c := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetTimeout(timeout).
		SetHeader("User-Agent", UserAgent)
	if followRedirects {
		c.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	} else {
		c.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	}
	return c
}
