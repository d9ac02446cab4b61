package arsa

// scheduler.go holds the scheduler that gives replayed training tasks their service
// in virtual time.  Training updates a shared coefficient vector, so the replay runs
// the scheduler with a single core: one update is in service at a time and the rest
// wait their turn first-come first-serve.

// When a task is scheduled the caller specifies how much service is required
// (in simulation time units), and a time-slice.   If the time-slice is larger than the
// service, when given, it is allocated all at once.   If the service requirement
// exceeds the time-slice the task is given the time-slice amount of service, and the
// residual task is scheduled.

import (
	"container/heap"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Task describes the service requirements of one training update
type Task struct {
	ID           int
	OpType       string                    // what operation is being performed
	req          float64                   // residual required service
	ts           float64                   // timeslice
	completeFunc evtm.EventHandlerFunction // call when finished
	context      any                       // remember this from caller, to return when finished
	Data         any                       // carried to completeFunc
}

// reqSrvHeap and its methods implement a min-priority heap
// on the residual service requirements of tasks
type reqSrvHeap []*Task

func (h reqSrvHeap) Len() int           { return len(h) }
func (h reqSrvHeap) Less(i, j int) bool { return h[i].req < h[j].req }
func (h reqSrvHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *reqSrvHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *reqSrvHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// TaskScheduler holds the tasks waiting for and in service
type TaskScheduler struct {
	cores     int        // number of tasks served concurrently
	nxtTaskID int        // id given to the next task
	waiting   []*Task    // work to do, not in service
	inservice reqSrvHeap // work being served
	completed int
}

// CreateTaskScheduler is a constructor
func CreateTaskScheduler(cores int) *TaskScheduler {
	if cores < 1 {
		cores = 1
	}
	ops := new(TaskScheduler)
	ops.cores = cores
	ops.waiting = []*Task{}
	ops.inservice = []*Task{}
	heap.Init(&ops.inservice)
	return ops
}

// Schedule puts a task either in queue to be done, or in service.  Parameters are
// - op : a code for the type of work being done
// - req : the virtual service time of the task
// - ts  : timeslice, the amount of service the task gets before yielding
// - data : carried to the completion handler
// - complete : an event handler to be called when the task has completed
// The return is the id of the task and a flag that is true if the task went into service at once.
func (ops *TaskScheduler) Schedule(evtMgr *evtm.EventManager, op string, req, ts float64,
	context any, data any, complete evtm.EventHandlerFunction) (int, bool) {

	ops.nxtTaskID += 1
	task := &Task{ID: ops.nxtTaskID, OpType: op, req: req, ts: ts, Data: data, context: context, completeFunc: complete}
	if !(task.ts > 0) {
		task.ts = math.Inf(1)
	}
	return task.ID, ops.joinQueue(evtMgr, task)
}

// Busy is true while some task is in service
func (ops *TaskScheduler) Busy() bool {
	return len(ops.inservice) > 0
}

// Pending counts the tasks in service or waiting
func (ops *TaskScheduler) Pending() int {
	return len(ops.inservice) + len(ops.waiting)
}

// Completed counts the tasks that have finished
func (ops *TaskScheduler) Completed() int {
	return ops.completed
}

// joinQueue is called to put a Task into the data structure that governs
// allocation of service
func (ops *TaskScheduler) joinQueue(evtMgr *evtm.EventManager, task *Task) bool {
	// if all the cores are busy, put in the waiting queue and return
	if ops.cores <= len(ops.inservice) {
		ops.waiting = append(ops.waiting, task)
		return false
	}

	execute := math.Min(task.req, task.ts)
	task.req = math.Max(task.req-execute, 0.0)
	heap.Push(&ops.inservice, task)

	// schedule event handler for when this timeslice completes
	evtMgr.Schedule(ops, task, timeSliceComplete, vrtime.SecondsToTime(execute))
	return true
}

// timeSliceComplete is called when the timeslice allocated to a task has completed
func timeSliceComplete(evtMgr *evtm.EventManager, context any, data any) any {
	ops := context.(*TaskScheduler)
	task := data.(*Task)

	// take the task out of service
	for idx, t := range ops.inservice {
		if t == task {
			heap.Remove(&ops.inservice, idx)
			break
		}
	}

	// if the waiting queue is not empty we need to put its first (FCFS) member into service
	if len(ops.waiting) > 0 {
		newtask := ops.waiting[0]
		ops.waiting = ops.waiting[1:]
		ops.joinQueue(evtMgr, newtask)
	}

	if task.req > 0.0 {
		// another round of service
		ops.joinQueue(evtMgr, task)
		return nil
	}

	ops.completed += 1
	return task.completeFunc(evtMgr, task.context, task)
}
