package progress

import "testing"

func marks(flags ...bool) []Mark {
	out := make([]Mark, 0, len(flags))
	for _, f := range flags {
		out = append(out, Mark{Completed: f})
	}
	return out
}

func TestCompute(t *testing.T) {
	cases := []struct {
		name     string
		marks    []Mark
		progress int
		status   string
	}{
		{name: "no participants", marks: nil, progress: 0, status: StatusTodo},
		{name: "single open", marks: marks(false), progress: 0, status: StatusTodo},
		{name: "single done", marks: marks(true), progress: 100, status: StatusDone},
		{name: "half", marks: marks(true, false), progress: 50, status: StatusTodo},
		{name: "one third rounds down", marks: marks(true, false, false), progress: 33, status: StatusTodo},
		{name: "two thirds rounds up", marks: marks(true, true, false), progress: 67, status: StatusTodo},
		{name: "all of three", marks: marks(true, true, true), progress: 100, status: StatusDone},
		{name: "199 of 200 stays todo", marks: append(marks(false), repeat(true, 199)...), progress: 99, status: StatusTodo},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.marks)
			if got.Progress != tc.progress || got.Status != tc.status {
				t.Fatalf("Compute() = %d%% %s, want %d%% %s", got.Progress, got.Status, tc.progress, tc.status)
			}
			if got.Total != len(tc.marks) {
				t.Fatalf("Total = %d, want %d", got.Total, len(tc.marks))
			}
		})
	}
}

func repeat(flag bool, n int) []Mark {
	out := make([]Mark, n)
	for i := range out {
		out[i] = Mark{Completed: flag}
	}
	return out
}

func TestFromCountsClamps(t *testing.T) {
	if got := FromCounts(5, 2); got.Progress != 100 || got.Completed != 2 {
		t.Fatalf("FromCounts(5, 2) = %+v", got)
	}
	if got := FromCounts(-1, 2); got.Progress != 0 || got.Completed != 0 {
		t.Fatalf("FromCounts(-1, 2) = %+v", got)
	}
	if got := FromCounts(0, 0); got.Done() {
		t.Fatalf("empty task must not be done")
	}
}

func TestDoneIffFullProgress(t *testing.T) {
	for total := 1; total <= 12; total++ {
		for completed := 0; completed <= total; completed++ {
			got := FromCounts(completed, total)
			if got.Done() != (got.Progress == 100) {
				t.Fatalf("FromCounts(%d, %d) = %+v: status disagrees with progress", completed, total, got)
			}
		}
	}
}
