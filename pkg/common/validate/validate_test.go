package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inner struct {
	Driver string `mapstructure:"driver" validate:"oneof=amqp kafka"`
}

type outer struct {
	Broker inner  `mapstructure:"broker"`
	Name   string `yaml:"name" validate:"required"`
	Port   int    `validate:"min=1"`
}

func TestStruct(t *testing.T) {
	t.Parallel()

	require.NoError(t, Struct(outer{Broker: inner{Driver: "amqp"}, Name: "x", Port: 1}))

	err := Struct(outer{Broker: inner{Driver: "nats"}})
	require.Error(t, err)

	var keys []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var fe *FieldError
		require.True(t, errors.As(e, &fe))
		keys = append(keys, fe.Key)
	}
	assert.ElementsMatch(t, []string{"broker.driver", "name", "Port"}, keys)
	assert.Contains(t, err.Error(), "name: name is a required field")
}
