package rules

import (
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// Sensitivity orders how serious a match is. The values are the ones used on
// the wire.
type Sensitivity int

const (
	Information Sensitivity = 0
	Notice      Sensitivity = 250
	Warning     Sensitivity = 500
	Problem     Sensitivity = 750
	Critical    Sensitivity = 1000
)

func (s Sensitivity) String() string {
	switch s {
	case Information:
		return "INFORMATION"
	case Notice:
		return "NOTICE"
	case Warning:
		return "WARNING"
	case Problem:
		return "PROBLEM"
	case Critical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Sensitivity(%d)", int(s))
}

// Ptr returns a pointer to a copy of s, for optional sensitivity fields.
func (s Sensitivity) Ptr() *Sensitivity { return &s }

// sensitivityFromJSON reads the optional "sensitivity" property.
func sensitivityFromJSON(obj model.Object) *Sensitivity {
	v, ok := obj["sensitivity"]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return Sensitivity(n).Ptr()
	case int:
		return Sensitivity(n).Ptr()
	case int64:
		return Sensitivity(n).Ptr()
	case Sensitivity:
		return n.Ptr()
	}
	return nil
}

// MaxSensitivity returns the larger of a and b, treating nil as absent.
func MaxSensitivity(a, b *Sensitivity) *Sensitivity {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a >= *b:
		return a
	default:
		return b
	}
}
