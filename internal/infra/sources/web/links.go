package web

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/infra/sources/data"
)

// outlinks returns the targets of the anchors and images of an HTML page.
func outlinks(body []byte, where string) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var (
		out  []string
		walk func(*html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			key := ""
			switch n.Data {
			case "a":
				key = "href"
			case "img":
				key = "src"
			}
			for _, a := range n.Attr {
				if key != "" && a.Key == key && a.Val != "" && !strings.HasPrefix(a.Val, "javascript:") {
					out = append(out, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

type sitemapEntry struct {
	loc          string
	lastModified time.Time
}

type sitemapDoc struct {
	XMLName xml.Name
	URLs    []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// maxSitemapDepth bounds how deeply sitemap indexes may nest.
const maxSitemapDepth = 4

// readSitemap fetches a sitemap, following sitemap indexes. data: URLs are
// read inline.
func readSitemap(ctx context.Context, ss *session, loc string) ([]sitemapEntry, error) {
	return readSitemapDepth(ctx, ss, loc, 0)
}

func readSitemapDepth(ctx context.Context, ss *session, loc string, depth int) ([]sitemapEntry, error) {
	if depth > maxSitemapDepth {
		return nil, fmt.Errorf("sitemap %s nests too deeply", loc)
	}

	var body []byte
	if strings.HasPrefix(loc, "data:") {
		_, content, err := data.UnpackURL(loc)
		if err != nil {
			return nil, err
		}
		body = content
	} else {
		resp, err := ss.request(ctx, http.MethodGet, loc)
		if err != nil {
			return nil, fmt.Errorf("fetching sitemap: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetching sitemap %s: %s", loc, resp.Status())
		}
		body = resp.Body()
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing sitemap %s: %w", loc, err)
	}

	var out []sitemapEntry
	for _, u := range doc.URLs {
		e := sitemapEntry{loc: strings.TrimSpace(u.Loc)}
		if lm := strings.TrimSpace(u.LastMod); lm != "" {
			if ts, err := parseLastMod(lm); err == nil {
				e.lastModified = ts
			}
		}
		out = append(out, e)
	}
	for _, sm := range doc.Sitemaps {
		nested, err := readSitemapDepth(ctx, ss, strings.TrimSpace(sm.Loc), depth+1)
		if err != nil {
			return out, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

// parseLastMod accepts the W3C datetime forms used by sitemaps.
func parseLastMod(s string) (time.Time, error) {
	if ts, err := conversions.ParseLastModified(s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", s)
}
