package arsa

import (
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completions records the virtual time each task finished at, by task id
type completions map[int]float64

func recordCompletion(evtMgr *evtm.EventManager, context any, data any) any {
	done := context.(completions)
	task := data.(*Task)
	done[task.ID] = evtMgr.CurrentSeconds()
	return nil
}

func TestTaskSchedulerFCFS(t *testing.T) {
	evtMgr := evtm.New()
	ops := CreateTaskScheduler(1)
	done := completions{}

	first, inService := ops.Schedule(evtMgr, "train", 1.0, 0, done, nil, recordCompletion)
	assert.True(t, inService)
	second, inService := ops.Schedule(evtMgr, "train", 2.0, 0, done, nil, recordCompletion)
	assert.False(t, inService)
	assert.True(t, ops.Busy())
	assert.Equal(t, 2, ops.Pending())

	evtMgr.Run(100)

	require.Len(t, done, 2)
	assert.InDelta(t, 1.0, done[first], 1e-9)
	assert.InDelta(t, 3.0, done[second], 1e-9)
	assert.Equal(t, 2, ops.Completed())
	assert.Equal(t, 0, ops.Pending())
	assert.False(t, ops.Busy())
}

func TestTaskSchedulerTimeSlice(t *testing.T) {
	evtMgr := evtm.New()
	ops := CreateTaskScheduler(1)
	done := completions{}

	first, _ := ops.Schedule(evtMgr, "train", 1.0, 0.5, done, nil, recordCompletion)
	second, _ := ops.Schedule(evtMgr, "train", 1.0, 0.5, done, nil, recordCompletion)
	evtMgr.Run(100)

	// the two tasks alternate half-second slices
	require.Len(t, done, 2)
	assert.InDelta(t, 1.5, done[first], 1e-9)
	assert.InDelta(t, 2.0, done[second], 1e-9)
}

func TestTaskSchedulerCores(t *testing.T) {
	evtMgr := evtm.New()
	ops := CreateTaskScheduler(2)
	done := completions{}

	a, _ := ops.Schedule(evtMgr, "train", 1.0, 0, done, nil, recordCompletion)
	b, inService := ops.Schedule(evtMgr, "train", 1.0, 0, done, nil, recordCompletion)
	assert.True(t, inService)
	evtMgr.Run(100)

	assert.InDelta(t, 1.0, done[a], 1e-9)
	assert.InDelta(t, 1.0, done[b], 1e-9)
}
