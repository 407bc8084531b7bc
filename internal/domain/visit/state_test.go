package visit

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		v    Visit
		want Mode
	}{
		{"nothing started, no doctor", Visit{}, ModePretest},
		{"pretest started, no doctor", Visit{PreCustomExamIDs: []string{"e1"}}, ModePretest},
		{"doctor assigned, nothing started", Visit{UserID: "doc-1"}, ModePretest},
		{"doctor assigned, pretest started", Visit{UserID: "doc-1", PreCustomExamIDs: []string{"e1"}}, ModePretest},
		{"visit started, no doctor", Visit{CustomExamIDs: []string{"e2"}}, ModeActive},
		{"visit started with pretest", Visit{UserID: "doc-1", PreCustomExamIDs: []string{"e1"}, CustomExamIDs: []string{"e2"}}, ModeActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.v); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_IndependentOfPretestList(t *testing.T) {
	for _, custom := range [][]string{nil, {}, {"c1"}} {
		for _, pre := range [][]string{nil, {}, {"p1"}, {"p1", "p2"}} {
			for _, user := range []string{"", "doc-1"} {
				v := Visit{UserID: user, PreCustomExamIDs: pre, CustomExamIDs: custom}
				want := ModeActive
				if len(custom) == 0 {
					want = ModePretest
				}
				if got := Classify(v); got != want {
					t.Errorf("Classify(user=%q pre=%v custom=%v) = %s, want %s", user, pre, custom, got, want)
				}
			}
		}
	}
}

func TestAllExamIDs(t *testing.T) {
	v := Visit{PreCustomExamIDs: []string{"p1", "p2"}, CustomExamIDs: []string{"c1"}}
	want := []string{"p1", "p2", "c1"}
	if got := AllExamIDs(v); !reflect.DeepEqual(got, want) {
		t.Errorf("AllExamIDs() = %v, want %v", got, want)
	}
	if got := AllExamIDs(Visit{}); len(got) != 0 {
		t.Errorf("expected no ids, got %v", got)
	}
}

func TestWithExamID_DoesNotMutateOriginal(t *testing.T) {
	v := Visit{PreCustomExamIDs: []string{"p1"}, CustomExamIDs: []string{"c1"}}
	pre := v.WithExamID("p2", true)
	active := v.WithExamID("c2", false)

	if len(v.PreCustomExamIDs) != 1 || len(v.CustomExamIDs) != 1 {
		t.Fatalf("original visit modified: %+v", v)
	}
	if !reflect.DeepEqual(pre.PreCustomExamIDs, []string{"p1", "p2"}) {
		t.Errorf("unexpected pre ids %v", pre.PreCustomExamIDs)
	}
	if !reflect.DeepEqual(active.CustomExamIDs, []string{"c1", "c2"}) {
		t.Errorf("unexpected custom ids %v", active.CustomExamIDs)
	}
}

func TestHasEndedAndSigned(t *testing.T) {
	if HasEnded(Visit{}) {
		t.Error("unlocked visit should not have ended")
	}
	if !HasEnded(Visit{Locked: true}) {
		t.Error("locked visit should have ended")
	}
	if (Visit{}).IsSigned() {
		t.Error("expected unsigned visit")
	}
	empty := ""
	if (Visit{AppointmentID: &empty}).HasAppointment() {
		t.Error("empty appointment id should not count")
	}
}
