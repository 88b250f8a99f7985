package conversions

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/os2datascanner/engine/internal/domain/model"
)

func init() {
	Register(LastModified, lastModified)
	Register(AlwaysTrue, alwaysTrue)
	Register(NoConversions, noConversions)
	Register(ImageDimensions, imageDimensions, "image/png", "image/jpeg", "image/gif")
	Register(EmailHeaders, emailHeaders, "message/rfc822")
}

func lastModified(ctx context.Context, r model.Resource) (Result, error) {
	ts, err := r.LastModified(ctx)
	if err != nil {
		return Result{}, err
	}
	if ts.IsZero() {
		return Result{}, nil
	}
	return Result{Value: ts}, nil
}

func alwaysTrue(context.Context, model.Resource) (Result, error) {
	return Result{Value: true}, nil
}

// noConversions never reads the resource; rules operating on it decide on
// metadata alone.
func noConversions(context.Context, model.Resource) (Result, error) {
	return Result{}, nil
}

func imageDimensions(ctx context.Context, r model.Resource) (Result, error) {
	rc, err := r.Open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer rc.Close()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return Result{}, fmt.Errorf("reading image header: %w", err)
	}
	return Result{Value: Dimensions{Width: cfg.Width, Height: cfg.Height}}, nil
}

var headerDecoder = new(mime.WordDecoder)

// ReadEmailHeaders parses the header block of an RFC 822 message, decoding
// encoded words. Repeated headers keep their first value.
func ReadEmailHeaders(rd io.Reader) (map[string]string, *mail.Message, error) {
	msg, err := mail.ReadMessage(rd)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing message: %w", err)
	}
	out := make(map[string]string, len(msg.Header))
	for k, vs := range msg.Header {
		if len(vs) == 0 {
			continue
		}
		v, err := headerDecoder.DecodeHeader(vs[0])
		if err != nil {
			v = vs[0]
		}
		out[strings.ToLower(k)] = v
	}
	return out, msg, nil
}

func emailHeaders(ctx context.Context, r model.Resource) (Result, error) {
	rc, err := r.Open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer rc.Close()

	h, _, err := ReadEmailHeaders(rc)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: h}, nil
}
