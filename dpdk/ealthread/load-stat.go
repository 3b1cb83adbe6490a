package ealthread

import (
	"sync/atomic"
)

// LoadStat contains statistics of a polling thread.
type LoadStat struct {
	EmptyPolls uint64 `json:"emptyPolls"`
	ValidPolls uint64 `json:"validPolls"`
	Items      uint64 `json:"items"`
}

// Sub computes the difference.
func (s LoadStat) Sub(prev LoadStat) (diff LoadStat) {
	diff.EmptyPolls = s.EmptyPolls - prev.EmptyPolls
	diff.ValidPolls = s.ValidPolls - prev.ValidPolls
	diff.Items = s.Items - prev.Items
	return diff
}

// LoadCounter counts polls in a polling thread.
// Writes happen on the polling thread, reads may happen anywhere.
type LoadCounter struct {
	polls [2]atomic.Uint64
	items atomic.Uint64
}

// Poll records a poll that processed n items.
func (c *LoadCounter) Poll(n int) {
	if n == 0 {
		c.polls[0].Add(1)
		return
	}
	c.polls[1].Add(1)
	c.items.Add(uint64(n))
}

// Read returns a snapshot.
func (c *LoadCounter) Read() LoadStat {
	return LoadStat{
		EmptyPolls: c.polls[0].Load(),
		ValidPolls: c.polls[1].Load(),
		Items:      c.items.Load(),
	}
}

// ThreadWithLoadStat is an object that tracks thread load statistics.
type ThreadWithLoadStat interface {
	Thread
	ThreadLoadStat() LoadStat
}
