package model

import (
	"maps"
	"slices"
	"time"
)

// TaskResult is the outcome of a single Task execution.
type TaskResult struct {
	TaskName string     `json:"task_name" cbor:"1,keyasint"`
	Status   TaskStatus `json:"task_status" cbor:"2,keyasint"`
	Summary  string     `json:"summary" cbor:"3,keyasint"`
	Payload  any        `json:"payload" cbor:"4,keyasint,omitempty"`
	// ImplSchemas lists the schemas the Task conforms to, separated by ';'.
	ImplSchemas string `json:"impl_schemas,omitempty" cbor:"5,keyasint,omitempty"`
}

// DescribedAnalysis fully describes one Task execution. The Executor owns it
// while the Task runs and hands a copy to the persistence layer at the end.
type DescribedAnalysis struct {
	Result           TaskResult
	Parameters       *Parameters
	Env              map[string]string
	PollInterval     time.Duration
	CommunicatorDesc []string
}

// Clone returns a deep copy, except for opaque Payload and field values.
func (d DescribedAnalysis) Clone() DescribedAnalysis {
	out := d
	out.Env = maps.Clone(d.Env)
	out.CommunicatorDesc = slices.Clone(d.CommunicatorDesc)
	if d.Parameters != nil {
		p := d.Parameters.Clone()
		out.Parameters = &p
	}
	return out
}
