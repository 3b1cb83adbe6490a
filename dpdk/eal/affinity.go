package eal

import (
	"errors"
	"os"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SetThreadAffinity pins an OS thread to a CPU set.
// tid=0 refers to the calling thread.
func SetThreadAffinity(tid int, cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(tid, &set)
}

// ErrNoSpareCPU indicates every allowed CPU is occupied by a worker.
var ErrNoSpareCPU = errors.New("no CPU left outside worker lcores")

// RestrictNonWorkerAffinity pins every thread of this process that is not an lcore thread
// to the complement of the CPUs used by busy.
// This keeps Go runtime and application threads off the CPUs of poll loops.
// Idle lcores keep their own pinning.
func RestrictNonWorkerAffinity(busy LCores) error {
	var allowed unix.CPUSet
	if e := unix.SchedGetaffinity(0, &allowed); e != nil {
		return e
	}
	for _, lc := range busy {
		if th := lc.thread(); th != nil {
			for _, cpu := range th.cfg.CPUs {
				allowed.Clear(cpu)
			}
		}
	}

	lcoreTids := map[int]bool{}
	for _, th := range lcores {
		if th != nil && th.tid.Load() != 0 {
			lcoreTids[int(th.tid.Load())] = true
		}
	}
	if allowed.Count() == 0 {
		return ErrNoSpareCPU
	}

	tasks, e := os.ReadDir("/proc/self/task")
	if e != nil {
		return e
	}
	var errs []error
	for _, task := range tasks {
		tid, e := strconv.Atoi(task.Name())
		if e != nil || lcoreTids[tid] {
			continue
		}
		if e := unix.SchedSetaffinity(tid, &allowed); e != nil && !errors.Is(e, unix.ESRCH) {
			errs = append(errs, e)
		}
	}
	logger.Info("restricted non-worker affinity", zap.Int("allowed-cpus", allowed.Count()), zap.Int("threads", len(tasks)-len(lcoreTids)))
	return multierr.Combine(errs...)
}
