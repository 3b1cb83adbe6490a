package jsonhelper_test

import (
	"testing"

	"github.com/sdrnet/udpdk/core/jsonhelper"
	"github.com/sdrnet/udpdk/core/testenv"
)

var makeAR = testenv.MakeAR

type sample struct {
	A int    `json:"a"`
	B string `json:"b,omitempty"`
}

func TestRoundtrip(t *testing.T) {
	assert, _ := makeAR(t)

	var s sample
	assert.NoError(jsonhelper.Roundtrip(map[string]any{"a": 1, "b": "x"}, &s))
	assert.Equal(sample{A: 1, B: "x"}, s)

	assert.NoError(jsonhelper.Roundtrip(map[string]any{"a": 2, "c": true}, &s))
	assert.Equal(2, s.A)
	assert.Error(jsonhelper.Roundtrip(map[string]any{"a": 2, "c": true}, &s, jsonhelper.DisallowUnknownFields))
	assert.Error(jsonhelper.Roundtrip(map[string]any{"a": "text"}, &s))
}
