package conversions

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/os2datascanner/engine/internal/domain/model"
)

var plainTextTypes = []string{
	"text/plain",
	"text/csv",
	"text/tab-separated-values",
	"text/markdown",
	"text/xml",
	"application/xml",
	"application/json",
}

func init() {
	Register(Text, plainText, plainTextTypes...)
	Register(MRZ, mrzLines, plainTextTypes...)
	Register(Text, htmlText, "text/html", "application/xhtml+xml")
	Register(Links, htmlLinks, "text/html", "application/xhtml+xml")
}

// readText reads r as text, decoding legacy encodings to UTF-8.
func readText(ctx context.Context, r model.Resource, contentType string) (string, error) {
	rc, err := r.Open(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec, err := charset.NewReader(rc, contentType)
	if err != nil {
		return "", fmt.Errorf("detecting character set: %w", err)
	}
	b, err := io.ReadAll(dec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func plainText(ctx context.Context, r model.Resource) (Result, error) {
	s, err := readText(ctx, r, "text/plain")
	if err != nil {
		return Result{}, err
	}
	return Result{Value: s}, nil
}

// ICAO 9303 TD3 lines: 44 characters drawn from A-Z, 0-9 and the filler.
var mrzLine = regexp.MustCompile(`(?m)^[A-Z0-9<]{44}$`)

func mrzLines(ctx context.Context, r model.Resource) (Result, error) {
	s, err := readText(ctx, r, "text/plain")
	if err != nil {
		return Result{}, err
	}
	lines := mrzLine.FindAllString(strings.ReplaceAll(s, "\r", ""), -1)
	if len(lines) == 0 {
		return Result{}, nil
	}
	return Result{Value: strings.Join(lines, "\n")}, nil
}

// htmlDocument holds what one parse of an HTML page yields.
type htmlDocument struct {
	text  string
	links []Link
}

var skippedElements = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "template": {}, "head": {},
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {}, "h1": {}, "h2": {},
	"h3": {}, "h4": {}, "h5": {}, "h6": {}, "section": {}, "article": {},
	"table": {}, "ul": {}, "ol": {}, "title": {},
}

func parseHTML(ctx context.Context, r model.Resource) (htmlDocument, error) {
	src, err := readText(ctx, r, "text/html")
	if err != nil {
		return htmlDocument{}, err
	}
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return htmlDocument{}, fmt.Errorf("parsing html: %w", err)
	}

	base, _ := url.Parse(r.Handle().PresentationURL())

	var (
		sb    strings.Builder
		links []Link
		walk  func(n *html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedElements[n.Data]; skip {
				return
			}
			if n.Data == "a" {
				if href := attr(n, "href"); href != "" {
					links = append(links, NewLink(resolve(base, href), nodeText(n)))
				}
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			if _, block := blockElements[n.Data]; block {
				sb.WriteByte('\n')
			}
		}
	}
	walk(root)

	return htmlDocument{text: collapseLines(sb.String()), links: links}, nil
}

func htmlText(ctx context.Context, r model.Resource) (Result, error) {
	doc, err := parseHTML(ctx, r)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Value:  doc.text,
		Parent: map[OutputType]any{Text: doc.text, Links: doc.links},
	}, nil
}

func htmlLinks(ctx context.Context, r model.Resource) (Result, error) {
	doc, err := parseHTML(ctx, r)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Value:  doc.links,
		Parent: map[OutputType]any{Text: doc.text, Links: doc.links},
	}, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil || base.Scheme == "" {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// collapseLines trims each line, collapses runs of inner whitespace and drops
// empty lines.
func collapseLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}
