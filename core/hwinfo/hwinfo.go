// Package hwinfo gathers CPU and NUMA topology.
package hwinfo

import (
	"sort"

	"github.com/pkg/math"
	"github.com/sdrnet/udpdk/core/logging"
)

var logger = logging.New("hwinfo")

// CoreInfo describes a logical CPU core.
type CoreInfo struct {
	ID          int `json:"id"`
	NumaSocket  int `json:"numaSocket"`
	PhysicalKey int `json:"physicalKey"`
}

// Cores contains information about CPU cores.
type Cores []CoreInfo

// ByNumaSocket classifies cores as map[NumaSocket]Cores.
func (cores Cores) ByNumaSocket() (m map[int]Cores) {
	m = map[int]Cores{}
	for _, core := range cores {
		m[core.NumaSocket] = append(m[core.NumaSocket], core)
	}
	return m
}

// MaxNumaSocket determines the maximum NUMA socket, or -1 if cores is empty.
func (cores Cores) MaxNumaSocket() int {
	maxSocket := -1
	for _, core := range cores {
		maxSocket = math.MaxInt(maxSocket, core.NumaSocket)
	}
	return maxSocket
}

// ByID converts to map[ID]CoreInfo.
func (cores Cores) ByID() (m map[int]CoreInfo) {
	m = map[int]CoreInfo{}
	for _, core := range cores {
		m[core.ID] = core
	}
	return m
}

// IDs returns sorted logical core IDs.
func (cores Cores) IDs() (list []int) {
	for _, core := range cores {
		list = append(list, core.ID)
	}
	sort.Ints(list)
	return list
}

// ListPrimary returns logical cores that are the first logical core in each physical core.
func (cores Cores) ListPrimary() []int {
	return cores.listHyperThread(false)
}

// ListSecondary returns logical cores that are not in ListPrimary().
func (cores Cores) ListSecondary() []int {
	return cores.listHyperThread(true)
}

func (cores Cores) listHyperThread(secondary bool) (list []int) {
	seen := map[int]bool{}
	for _, core := range cores {
		if seen[core.PhysicalKey] == secondary {
			list = append(list, core.ID)
		}
		seen[core.PhysicalKey] = true
	}
	return list
}

// Provider provides information about hardware.
type Provider interface {
	// Cores provides information about CPU cores available to this process.
	Cores() Cores
}

// Default is the default Provider implementation.
var Default Provider = &procinfoProvider{}
