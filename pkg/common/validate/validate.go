// Package validate checks struct tags with go-playground/validator and turns
// its errors into English sentences naming the offending configuration key.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(keyName)

	english := en.New()
	trans, _ = ut.New(english, english).GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(fmt.Sprintf("registering validator translations: %v", err))
	}
}

// keyName names fields by their mapstructure or yaml key.
func keyName(f reflect.StructField) string {
	for _, tag := range []string{"mapstructure", "yaml"} {
		name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return f.Name
}

// FieldError is one violated constraint.
type FieldError struct {
	// Key is the dotted path of the field below the validated struct.
	Key     string
	Message string
}

func (e *FieldError) Error() string { return e.Key + ": " + e.Message }

// Struct validates s. Constraint violations are returned joined, one
// *FieldError each.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		errs = append(errs, &FieldError{Key: key, Message: fe.Translate(trans)})
	}
	return errors.Join(errs...)
}
