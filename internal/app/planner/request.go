package planner

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/pkg/common/validate"
)

// Request describes a scan to submit. It is read from YAML or JSON; sources
// and rules use their usual JSON forms.
type Request struct {
	Scanner struct {
		PK   int64  `yaml:"pk" validate:"required,gt=0"`
		Name string `yaml:"name"`
		Test bool   `yaml:"test"`
	} `yaml:"scanner"`
	Organisation struct {
		Name string `yaml:"name" validate:"required"`
		UUID string `yaml:"uuid" validate:"omitempty,uuid"`
	} `yaml:"organisation"`
	User        string `yaml:"user"`
	Destination string `yaml:"destination"`

	Sources       []map[string]any `yaml:"sources" validate:"required,min=1"`
	Rule          any              `yaml:"rule" validate:"required"`
	FilterRule    any              `yaml:"filter_rule"`
	Configuration map[string]any   `yaml:"configuration"`
	// SkipMimeTypes is copied into the configuration as skip_mime_types.
	SkipMimeTypes []string `yaml:"skip_mime_types"`

	// DoLastModifiedCheck restricts the scan to objects changed since the
	// scanner last completed a scan.
	DoLastModifiedCheck bool `yaml:"do_last_modified_check"`
}

// ReadRequest decodes and validates a request.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := yaml.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding scan request: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid scan request: %w", err)
	}
	return &req, nil
}

// jsonValue passes a YAML value through JSON, so that it has exactly the
// types a message read from the broker would.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	obj, err := messages.DecodeObject([]byte(`{"v":` + string(b) + `}`))
	if err != nil {
		return nil, err
	}
	return obj["v"], nil
}

func jsonObject(v map[string]any) (model.Object, error) {
	out, err := jsonValue(v)
	if err != nil {
		return nil, err
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want object, got %T", out)
	}
	return obj, nil
}
