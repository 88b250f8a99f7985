// Package messages defines the JSON messages exchanged between pipeline
// stages and the queues they travel on.
package messages

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// TimeLayout is the wire format of scan tag timestamps.
const TimeLayout = "2006-01-02T15:04:05.999999-07:00"

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	model.LastModifiedLayout,
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02T15:04:05.999999",
}

// ParseTime accepts the timestamp forms older producers have used.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Scanner identifies the scanner job a scan was started from.
type Scanner struct {
	PK   int64
	Name string
	Test bool
}

// Organisation identifies the organisation a scan belongs to. UUID is
// uuid.Nil when the producer did not supply one.
type Organisation struct {
	Name string
	UUID uuid.UUID
}

// ScanTag identifies one scan run. It is the primary key of all scan-scoped
// state, so a decoded tag re-encodes to exactly the form it was read from.
type ScanTag struct {
	Time         time.Time
	User         string
	Scanner      Scanner
	Organisation Organisation
	Destination  string

	raw any
}

// NewScanTag builds a scan tag for a scan started at t.
func NewScanTag(t time.Time, scanner Scanner, org Organisation) ScanTag {
	return ScanTag{Time: t, Scanner: scanner, Organisation: org}
}

// WithUser returns a copy of the tag recording who started the scan.
func (t ScanTag) WithUser(user string) ScanTag {
	t.User, t.raw = user, nil
	return t
}

// WithDestination returns a copy of the tag naming where results go.
func (t ScanTag) WithDestination(dest string) ScanTag {
	t.Destination, t.raw = dest, nil
	return t
}

// IsZero reports whether t was never set.
func (t ScanTag) IsZero() bool { return t.raw == nil && t.Time.IsZero() && t.Scanner == Scanner{} }

// ToJSON returns the wire form of t.
func (t ScanTag) ToJSON() any {
	if t.raw != nil {
		return t.raw
	}
	var user, dest, orgUUID any
	if t.User != "" {
		user = t.User
	}
	if t.Destination != "" {
		dest = t.Destination
	}
	if t.Organisation.UUID != uuid.Nil {
		orgUUID = t.Organisation.UUID.String()
	}
	return model.Object{
		"time": t.Time.Format(TimeLayout),
		"user": user,
		"scanner": model.Object{
			"pk":   t.Scanner.PK,
			"name": t.Scanner.Name,
			"test": t.Scanner.Test,
		},
		"organisation": model.Object{
			"name": t.Organisation.Name,
			"uuid": orgUUID,
		},
		"destination": dest,
	}
}

// Key is the canonical encoding of t, suitable as a map or database key.
func (t ScanTag) Key() string { return model.CanonicalJSON(t.ToJSON()) }

// Equal reports whether t and o identify the same scan.
func (t ScanTag) Equal(o ScanTag) bool { return t.Key() == o.Key() }

func (t ScanTag) MarshalJSON() ([]byte, error) { return []byte(t.Key()), nil }

// ScanTagFromJSON decodes a scan tag. A bare string is read as the time of a
// tag with no other fields, missing scanner and organisation objects are
// tolerated, and an organisation given as a string is read as its name.
func ScanTagFromJSON(v any) (ScanTag, error) {
	tag := ScanTag{raw: v}
	switch obj := v.(type) {
	case string:
		ts, err := ParseTime(obj)
		if err != nil {
			return ScanTag{}, &model.DeserialisationError{Kind: "scan tag", Field: "time", Err: err}
		}
		tag.Time = ts
		return tag, nil
	case map[string]any:
		raw, err := model.StringField(obj, "scan tag", "time")
		if err != nil {
			return ScanTag{}, err
		}
		if tag.Time, err = ParseTime(raw); err != nil {
			return ScanTag{}, &model.DeserialisationError{Kind: "scan tag", Field: "time", Err: err}
		}
		tag.User = model.OptStringField(obj, "user")
		tag.Destination = model.OptStringField(obj, "destination")

		if sc, ok := obj["scanner"].(map[string]any); ok {
			tag.Scanner = Scanner{
				PK:   int64(model.IntField(sc, "pk", 0)),
				Name: model.OptStringField(sc, "name"),
				Test: model.BoolField(sc, "test", false),
			}
		}

		switch org := obj["organisation"].(type) {
		case string:
			tag.Organisation.Name = org
		case map[string]any:
			tag.Organisation.Name = model.OptStringField(org, "name")
			if s := model.OptStringField(org, "uuid"); s != "" {
				id, err := uuid.Parse(s)
				if err != nil {
					return ScanTag{}, &model.DeserialisationError{Kind: "scan tag", Field: "organisation.uuid", Err: err}
				}
				tag.Organisation.UUID = id
			}
		}
		return tag, nil
	case nil:
		return ScanTag{}, ErrMissingScanTag
	}
	return ScanTag{}, &model.DeserialisationError{
		Kind: "scan tag", Field: "scan_tag", Err: fmt.Errorf("want object or string, got %T", v),
	}
}

func (t *ScanTag) UnmarshalJSON(b []byte) error {
	v, err := decodeValue(b)
	if err != nil {
		return err
	}
	tag, err := ScanTagFromJSON(v)
	if err != nil {
		return err
	}
	*t = tag
	return nil
}
