// Package ealtestenv initializes EAL for unit testing.
package ealtestenv

import (
	"os"
	"strconv"
	"time"

	"github.com/sdrnet/udpdk/core/hwinfo"
	"github.com/sdrnet/udpdk/dpdk/eal"
)

// EnvPin declares an environment variable that, when set to 1, pins test lcores to CPU cores.
// The default is leaving test lcores unpinned, so that tests can run on a machine with few cores.
const EnvPin = "EALTESTENV_PIN"

// WantLCores indicates the number of lcores to be created, including the main lcore.
var WantLCores = 6

// WaitTimeout is a generous timeout for conditions that tests poll for.
const WaitTimeout = 5 * time.Second

// Init initializes EAL for unit testing.
// Lcores are spread over NUMA sockets found on the machine.
func Init() {
	cores := hwinfo.Default.Cores()
	pin, _ := strconv.ParseBool(os.Getenv(EnvPin))
	pin = pin && len(cores) >= WantLCores

	list := make([]eal.LCoreConfig, WantLCores)
	for i := range list {
		list[i].ID = i
		if len(cores) == 0 {
			continue
		}
		core := cores[i%len(cores)]
		list[i].Socket = core.NumaSocket
		if pin {
			list[i].CPUs = []int{core.ID}
		}
	}

	if e := eal.Setup(list, 0); e != nil {
		panic(e)
	}
}
