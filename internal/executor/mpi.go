package executor

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// EnvNProcs is the process count exported by SLURM.
const EnvNProcs = "SLURM_NPROCS"

// NewMPI returns an Executor launching the Task under `mpirun -np N`. N is
// SLURM_NPROCS, or the number of CPUs this process may run on, minus the one
// left to the Executor.
func NewMPI(taskName string, opts ...Option) *Executor {
	e := New(taskName, opts...)
	e.launcher = mpiLauncher
	return e
}

func mpiLauncher(env map[string]string) []string {
	return []string{"mpirun", "-np", strconv.Itoa(mpiProcs(env))}
}

func mpiProcs(env map[string]string) int {
	n := 0
	if v, ok := env[EnvNProcs]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			n = i
		}
	}
	if n <= 0 {
		var set unix.CPUSet
		if err := unix.SchedGetaffinity(0, &set); err == nil {
			n = set.Count()
		}
	}
	return max(n-1, 1)
}
