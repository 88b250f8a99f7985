package conversions

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/os2datascanner/engine/internal/domain/model"
)

const (
	docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	pptxMIME = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	odtMIME  = "application/vnd.oasis.opendocument.text"
	odsMIME  = "application/vnd.oasis.opendocument.spreadsheet"
)

func init() {
	Register(Text, docxText, docxMIME)
	Register(Text, odfText, odtMIME, odsMIME)
}

// withPackage opens r as a zip package and hands it to fn.
func withPackage(ctx context.Context, r model.Resource, fn func(*zip.Reader) error) error {
	p, release, err := r.Path(ctx)
	if err != nil {
		return err
	}
	defer release()

	zr, err := zip.OpenReader(p)
	if err != nil {
		return fmt.Errorf("opening document package: %w", err)
	}
	defer zr.Close()
	return fn(&zr.Reader)
}

func openMember(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("document package has no member %q", name)
}

// xmlText collects the character data of an XML document. When textElems is
// non-empty only data inside those elements is kept. breakElems end a line.
func xmlText(rd io.Reader, textElems, breakElems map[string]struct{}) (string, error) {
	var (
		sb    strings.Builder
		depth int
	)
	dec := xml.NewDecoder(rd)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading document xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if _, ok := textElems[t.Name.Local]; ok {
				depth++
			}
			if t.Name.Local == "tab" {
				sb.WriteByte('\t')
			}
		case xml.EndElement:
			if _, ok := textElems[t.Name.Local]; ok {
				depth--
			}
			if _, ok := breakElems[t.Name.Local]; ok {
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if len(textElems) == 0 || depth > 0 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func docxText(ctx context.Context, r model.Resource) (Result, error) {
	var text string
	err := withPackage(ctx, r, func(zr *zip.Reader) error {
		rc, err := openMember(zr, "word/document.xml")
		if err != nil {
			return err
		}
		defer rc.Close()
		text, err = xmlText(rc,
			map[string]struct{}{"t": {}},
			map[string]struct{}{"p": {}, "br": {}})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: text}, nil
}

func odfText(ctx context.Context, r model.Resource) (Result, error) {
	var text string
	err := withPackage(ctx, r, func(zr *zip.Reader) error {
		rc, err := openMember(zr, "content.xml")
		if err != nil {
			return err
		}
		defer rc.Close()
		text, err = xmlText(rc,
			map[string]struct{}{"p": {}, "h": {}},
			map[string]struct{}{"p": {}, "h": {}, "line-break": {}})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: text}, nil
}

// officeFields maps (member, element) pairs of document property files to
// metadata labels.
var officeFields = map[string]map[string]string{
	"docProps/core.xml": {"creator": "ooxml-creator", "lastModifiedBy": "ooxml-modifier"},
	"meta.xml":          {"initial-creator": "od-creator", "creator": "od-modifier"},
}

// OfficeMetadata extracts the author properties of OOXML and OpenDocument
// files. Other content types yield an empty map.
func OfficeMetadata(ctx context.Context, r model.Resource, mime string) (map[string]any, error) {
	var member string
	switch mime {
	case docxMIME, pptxMIME, xlsxMIME:
		member = "docProps/core.xml"
	case odtMIME, odsMIME:
		member = "meta.xml"
	default:
		return map[string]any{}, nil
	}

	out := map[string]any{}
	err := withPackage(ctx, r, func(zr *zip.Reader) error {
		rc, err := openMember(zr, member)
		if err != nil {
			return err
		}
		defer rc.Close()

		fields := officeFields[member]
		dec := xml.NewDecoder(rc)
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			label, ok := fields[start.Name.Local]
			if !ok {
				continue
			}
			var v string
			if err := dec.DecodeElement(&v, &start); err != nil {
				return err
			}
			if v = strings.TrimSpace(v); v != "" {
				out[label] = v
			}
		}
	})
	return out, err
}
