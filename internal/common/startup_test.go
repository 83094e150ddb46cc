package common

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traingrid/traingrid/pkg/api"
)

func TestParseByteSize(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected int64
	}{
		"plain":        {input: "1024", expected: 1024},
		"kb":           {input: "64KB", expected: 64000},
		"mb":           {input: "64MB", expected: 64 * 1000 * 1000},
		"mib":          {input: "64MiB", expected: 64 << 20},
		"gib":          {input: "1GiB", expected: 1 << 30},
		"bytes suffix": {input: "128B", expected: 128},
		"whitespace":   {input: " 2 MB ", expected: 2 * 1000 * 1000},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			value, err := parseByteSize(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, value)
		})
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	_, err := parseByteSize("lots")
	assert.Error(t, err)
}

func TestParamValueDecodeHook(t *testing.T) {
	hook := paramValueDecodeHook()
	target := reflect.TypeOf(api.ParamValue{})

	tests := map[string]struct {
		input    interface{}
		expected api.ParamValue
	}{
		"string": {input: "cautious", expected: api.StringParam("cautious")},
		"int":    {input: 800, expected: api.NumberParam(800)},
		"float":  {input: 1.5, expected: api.NumberParam(1.5)},
		"bool":   {input: true, expected: api.BoolParam(true)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			value, err := hook(reflect.TypeOf(tc.input), target, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, value)
		})
	}
}
