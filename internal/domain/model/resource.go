package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Resource is a short-lived, open view of the object behind a Handle.
// Resources are obtained through a SourceManager and are never serialised.
type Resource interface {
	Handle() Handle
	// Check reports (true, nil) if the object exists, (false, nil) if it is
	// definitely gone and an error for transient failures.
	Check(ctx context.Context) (bool, error)
	ComputeType(ctx context.Context) (string, error)
	Size(ctx context.Context) (int64, error)
	LastModified(ctx context.Context) (time.Time, error)
	// Open returns a read-only stream over the content.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Path returns a local path to the content, valid until release is
	// called.
	Path(ctx context.Context) (path string, release func(), err error)
	// Metadata returns the labelled metadata known for this object. A
	// partial map may accompany an error.
	Metadata(ctx context.Context) (map[string]any, error)
}

// LastModifiedLayout is the wire format of last-modified timestamps.
const LastModifiedLayout = "2006-01-02T15:04:05-0700"

// sniffLen is how much content is inspected when computing a type.
const sniffLen = 3072

// genericTypes are computed types that lose to a specific guessed type.
var genericTypes = map[string]struct{}{
	"application/zip":           {},
	"application/x-ole-storage": {},
	"text/plain":                {},
	"text/html":                 {},
}

// ComputeType sniffs the first bytes of r's content and reconciles the
// result with the type guessed from the Handle's name.
func ComputeType(ctx context.Context, r Resource) (string, error) {
	guessed := r.Handle().GuessType()

	rc, err := r.Open(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("reading content for type detection: %w", err)
	}
	computed := BareMIME(mimetype.Detect(buf[:n]).String())

	switch {
	case guessed == computed:
		return computed, nil
	case isGeneric(computed) && guessed != "application/octet-stream":
		return guessed, nil
	default:
		return computed, nil
	}
}

func isGeneric(t string) bool {
	_, ok := genericTypes[t]
	return ok
}

// BareMIME strips any parameters from a media type.
func BareMIME(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.TrimSpace(strings.ToLower(t))
}

// FileMetadata is the metadata every file-like Resource reports.
func FileMetadata(ctx context.Context, r Resource) (map[string]any, error) {
	lm, err := r.LastModified(ctx)
	if err != nil {
		return map[string]any{}, err
	}
	return map[string]any{"last-modified": lm.Format(LastModifiedLayout)}, nil
}

// GetMetadata collects the metadata of r and of every Resource above it in
// the derived-source chain. Extraction errors are tolerated: whatever was
// gathered before the failure is kept, and the first error is returned
// alongside the result for logging.
func GetMetadata(ctx context.Context, r Resource, sm *SourceManager) (map[string]any, error) {
	md, firstErr := r.Metadata(ctx)
	if md == nil {
		md = map[string]any{}
	}

	if parent := r.Handle().Source().Handle(); parent != nil {
		pr, err := parent.Follow(sm)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return md, firstErr
		}
		pmd, err := GetMetadata(ctx, pr, sm)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		for k, v := range pmd {
			md[k] = v
		}
	}
	return md, firstErr
}

// PathFromStream copies r's content into a temporary file for Resources that
// have no local path of their own.
func PathFromStream(ctx context.Context, r Resource) (string, func(), error) {
	rc, err := r.Open(ctx)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "os2ds-*-"+r.Handle().Name())
	if err != nil {
		return "", nil, fmt.Errorf("creating temporary file: %w", err)
	}
	release := func() { os.Remove(f.Name()) }

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		release()
		return "", nil, fmt.Errorf("copying content: %w", err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, err
	}
	return f.Name(), release, nil
}

// ReadAll reads the whole content of r.
func ReadAll(ctx context.Context, r Resource) ([]byte, error) {
	rc, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
