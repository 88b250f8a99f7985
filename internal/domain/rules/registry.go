package rules

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/os2datascanner/engine/internal/domain/model"
)

// Decoder reconstructs a rule from its wire form.
type Decoder func(obj model.Object) (Rule, error)

var (
	registryMu sync.RWMutex
	decoders   = map[string]Decoder{}
)

// RegisterRule associates a type label with a decoder. Registering a label
// twice panics.
func RegisterRule(label string, d Decoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := decoders[label]; ok {
		panic(fmt.Sprintf("rules: decoder for %q registered twice", label))
	}
	decoders[label] = d
}

// FromJSON reconstructs a rule from its wire form. Booleans decode to
// Constants; objects are dispatched on their "type" property.
func FromJSON(v any) (Rule, error) {
	switch t := v.(type) {
	case bool:
		return Constant(t), nil
	case map[string]any:
		label, err := model.StringField(t, "rule", "type")
		if err != nil {
			return nil, err
		}
		registryMu.RLock()
		d, ok := decoders[label]
		registryMu.RUnlock()
		if !ok {
			return nil, &model.UnknownTypeError{Label: label}
		}
		return d(t)
	case Rule:
		return t, nil
	}
	return nil, &model.DeserialisationError{
		Kind: "rule", Field: "type", Err: fmt.Errorf("unexpected %T", v),
	}
}

// Equal reports whether two rules have the same wire form.
func Equal(a, b Rule) bool {
	return model.CanonicalJSON(a.ToJSON()) == model.CanonicalJSON(b.ToJSON())
}

// ToJSON returns the wire form of r encoded as JSON.
func ToJSON(r Rule) ([]byte, error) {
	return json.Marshal(r.ToJSON())
}
