package executor

import (
	"fmt"
	"maps"
	"slices"
)

// managed maps the names of ready made Executors to their Task.
var managed = map[string]string{
	"Tester":          "Test",
	"BinaryTester":    "TestBinary",
	"BinaryErrTester": "TestBinaryErr",
	"SocketTester":    "TestSocket",
	"WriteTester":     "TestWriteOutput",
	"ReadTester":      "TestReadOutput",
}

// Managed returns the ready made Executor called name.
func Managed(name string, opts ...Option) (*Executor, error) {
	taskName, ok := managed[name]
	if !ok {
		return nil, fmt.Errorf("unknown managed task %q", name)
	}
	return New(taskName, opts...), nil
}

// ManagedNames returns the names accepted by Managed, sorted.
func ManagedNames() []string {
	return slices.Sorted(maps.Keys(managed))
}
