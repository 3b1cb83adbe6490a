package nnduration_test

import (
	"testing"
	"time"

	"github.com/sdrnet/udpdk/core/nnduration"
	"github.com/sdrnet/udpdk/core/testenv"
	"gopkg.in/yaml.v3"
)

var (
	makeAR   = testenv.MakeAR
	fromJSON = testenv.FromJSON
	toJSON   = testenv.ToJSON
)

func TestMilliseconds(t *testing.T) {
	assert, _ := makeAR(t)

	assert.Equal(2816*time.Millisecond, nnduration.Milliseconds(0).DurationOr(2816))

	ms := nnduration.Milliseconds(5274)
	assert.Equal(5274*time.Millisecond, ms.DurationOr(2816))
	assert.Equal(`5274`, toJSON(ms))

	var decoded nnduration.Milliseconds
	fromJSON(`5274`, &decoded)
	assert.Equal(ms, decoded)

	fromJSON(`"5274"`, &decoded)
	assert.Equal(ms, decoded)

	fromJSON(`"6s"`, &decoded)
	assert.Equal(nnduration.Milliseconds(6000), decoded)
	assert.Equal(6*time.Second, decoded.Duration())
}

func TestNanoseconds(t *testing.T) {
	assert, _ := makeAR(t)

	assert.Equal(1652*time.Nanosecond, nnduration.Nanoseconds(0).DurationOr(1652))

	var decoded nnduration.Nanoseconds
	fromJSON(`"3us"`, &decoded)
	assert.Equal(nnduration.Nanoseconds(3000), decoded)
	assert.Equal(3*time.Microsecond, decoded.Duration())
}

func TestYAML(t *testing.T) {
	assert, require := makeAR(t)

	var cfg struct {
		Delay nnduration.Milliseconds `yaml:"delay"`
	}
	require.NoError(yaml.Unmarshal([]byte("delay: 250ms\n"), &cfg))
	assert.Equal(250*time.Millisecond, cfg.Delay.Duration())

	assert.Error(yaml.Unmarshal([]byte("delay: -1s\n"), &cfg))
}
