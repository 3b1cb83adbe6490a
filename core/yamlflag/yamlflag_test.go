package yamlflag_test

import (
	"flag"
	"os"
	"testing"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/core/yamlflag"
)

var makeAR = testenv.MakeAR

type sampleConfig struct {
	Name  string `yaml:"name" json:"name"`
	Ports []int  `yaml:"ports" json:"ports"`
}

func TestInline(t *testing.T) {
	assert, require := makeAR(t)

	var cfg sampleConfig
	var fs flag.FlagSet
	fs.Var(yamlflag.New(&cfg), "cfg", "")
	require.NoError(fs.Parse([]string{"-cfg", "name: A\nports: [1, 2]"}))
	assert.Equal("A", cfg.Name)
	assert.Equal([]int{1, 2}, cfg.Ports)
	assert.Equal(`{"name":"A","ports":[1,2]}`, fs.Lookup("cfg").Value.String())
}

func TestFile(t *testing.T) {
	assert, require := makeAR(t)

	filename := testenv.TempName(t, "cfg.yaml")
	require.NoError(os.WriteFile(filename, []byte("name: B\n"), 0o644))

	var cfg sampleConfig
	v := yamlflag.New(&cfg)
	require.NoError(v.Set("@" + filename))
	assert.Equal("B", cfg.Name)
	assert.Same(&cfg, v.Get())

	assert.Error(v.Set("@" + filename + ".missing"))
}
