package conduit

import (
	"encoding/json"
	"testing"
)

func TestParseTaskState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    TaskState
		wantErr bool
	}{
		{in: "pending", want: TaskPending},
		{in: "queued", want: TaskPending}, // inbound alias
		{in: "Queued", want: TaskPending},
		{in: "processing", want: TaskProcessing},
		{in: "starting", want: TaskProcessing},
		{in: "succeeded", want: TaskCompleted},
		{in: "completed", want: TaskCompleted},
		{in: "failed", want: TaskFailed},
		{in: "canceled", want: TaskCancelled},
		{in: "cancelled", want: TaskCancelled},
		{in: "timed_out", want: TaskTimedOut},
		{in: "nonsense", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTaskState(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTaskState(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseTaskState(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTaskState_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[TaskState]bool{
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
		TaskTimedOut:  true,
	}
	for _, s := range []TaskState{TaskPending, TaskProcessing, TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut} {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("Terminal(%v) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestTaskState_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(TaskProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"processing"` {
		t.Errorf("Marshal = %s, want %q", b, "processing")
	}

	var s TaskState
	if err := json.Unmarshal([]byte(`"queued"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != TaskPending {
		t.Errorf("Unmarshal queued = %v, want pending", s)
	}
}
