package model_test

import (
	"testing"

	"github.com/lcls-tools/lute/internal/model"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_CanTransition(t *testing.T) {
	t.Parallel()
	all := []model.TaskStatus{
		model.StatusPending, model.StatusRunning, model.StatusCompleted, model.StatusFailed,
		model.StatusStopped, model.StatusCancelled, model.StatusTimedOut,
	}
	for _, from := range all {
		for _, to := range all {
			ok := from.CanTransition(to)
			switch {
			case from.Terminal():
				require.False(t, ok, "%s -> %s", from, to)
			case to == model.StatusPending:
				require.False(t, ok, "%s -> %s", from, to)
			case from == model.StatusPending && to == model.StatusStopped:
				require.False(t, ok, "%s -> %s", from, to)
			case from == to:
				require.False(t, ok, "%s -> %s", from, to)
			default:
				require.True(t, ok, "%s -> %s", from, to)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := model.ParseStatus("timedout")
	require.NoError(t, err)
	require.Equal(t, model.StatusTimedOut, s)
	require.Equal(t, "TIMEDOUT", s.String())

	_, err = model.ParseStatus("LOST")
	require.Error(t, err)
}

func TestDescribedAnalysis_Clone(t *testing.T) {
	t.Parallel()
	p := &model.Parameters{Fields: []model.Field{{Name: "a", Value: 1}}}
	d := model.DescribedAnalysis{
		Parameters:       p,
		Env:              map[string]string{"A": "1"},
		CommunicatorDesc: []string{"PipeCommunicator"},
	}
	c := d.Clone()
	c.Env["A"] = "2"
	c.CommunicatorDesc[0] = "x"
	c.Parameters.Set("a", 2)

	require.Equal(t, "1", d.Env["A"])
	require.Equal(t, "PipeCommunicator", d.CommunicatorDesc[0])
	require.Equal(t, 1, p.Value("a"))
}
