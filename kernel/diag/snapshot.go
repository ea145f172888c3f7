package diag

import (
	"bytes"
	"io"

	"github.com/MinkowskiMetric/gokern/kernel/kfmt"
	"github.com/MinkowskiMetric/gokern/kernel/sched"
	"github.com/google/pprof/profile"
)

// SchedulerProfile builds a pprof profile snapshotting the scheduler's task
// directory: one sample per task, located under a synthetic function named
// after its state and priority so `go tool pprof -top` groups tasks the
// same way the ready queues do.
func SchedulerProfile() *profile.Profile {
	tasks := sched.Snapshot()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "tasks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}

	locs := make(map[string]*profile.Location, priorityStateCombinations)
	var nextID uint64

	locationFor := func(name string) *profile.Location {
		if loc, ok := locs[name]; ok {
			return loc
		}

		nextID++
		fn := &profile.Function{ID: nextID, Name: name, SystemName: name}
		p.Function = append(p.Function, fn)

		nextID++
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		locs[name] = loc

		return loc
	}

	for _, task := range tasks {
		loc := locationFor(taskStateName(task) + "/" + taskPriorityName(task))
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
			Label:    map[string][]string{"pid": {pidLabel(task.Pid)}},
		})
	}

	return p
}

// priorityStateCombinations bounds the expected number of distinct
// location names (priorityCount states x state count); only used to size
// the initial map, not a hard limit.
const priorityStateCombinations = 8

// WriteSchedulerProfile encodes the current scheduler snapshot in pprof
// wire format (gzip-compressed protobuf) and writes it to w. It is invoked
// from the debug-dump IPI handler so a profile can be pulled off the
// serial line with the system still running.
func WriteSchedulerProfile(w io.Writer) error {
	if w == nil {
		return nil
	}
	return SchedulerProfile().Write(w)
}

func taskStateName(t sched.TaskSnapshot) string {
	switch t.State {
	case sched.StateNew:
		return "new"
	case sched.StateReady:
		return "ready"
	case sched.StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

func taskPriorityName(t sched.TaskSnapshot) string {
	switch t.Priority {
	case sched.PriorityIdle:
		return "idle"
	case sched.PriorityNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// pidLabel renders a Pid as decimal without pulling in strconv, using
// kfmt's allocation-free integer formatting.
func pidLabel(pid sched.Pid) string {
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "%d", uint64(pid))
	return buf.String()
}
