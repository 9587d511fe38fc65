package scheduler

import (
	"testing"
	"time"

	"github.com/pocketbrain/pocketbrain/pkg/model"
)

func TestValidateTaskSpecCron(t *testing.T) {
	if err := ValidateTaskSpec(model.ScheduleCron, "*/5 * * * *"); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
	if err := ValidateTaskSpec(model.ScheduleCron, "not a cron"); err == nil {
		t.Error("invalid cron accepted")
	}
}

func TestValidateTaskSpecInterval(t *testing.T) {
	if err := ValidateTaskSpec(model.ScheduleInterval, "60000"); err != nil {
		t.Errorf("valid interval rejected: %v", err)
	}
	if err := ValidateTaskSpec(model.ScheduleInterval, "0"); err == nil {
		t.Error("zero interval accepted")
	}
	if err := ValidateTaskSpec(model.ScheduleInterval, "-5"); err == nil {
		t.Error("negative interval accepted")
	}
	if err := ValidateTaskSpec(model.ScheduleInterval, "soon"); err == nil {
		t.Error("non-numeric interval accepted")
	}
}

func TestValidateTaskSpecOnce(t *testing.T) {
	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	if err := ValidateTaskSpec(model.ScheduleOnce, future); err != nil {
		t.Errorf("valid future once rejected: %v", err)
	}

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	if err := ValidateTaskSpec(model.ScheduleOnce, past); err == nil {
		t.Error("past timestamp accepted")
	}

	if err := ValidateTaskSpec(model.ScheduleOnce, "not a timestamp"); err == nil {
		t.Error("unparseable timestamp accepted")
	}
}

func TestValidateTaskSpecUnknownKind(t *testing.T) {
	if err := ValidateTaskSpec(model.ScheduleKind("weekly"), "x"); err == nil {
		t.Error("unknown schedule kind accepted")
	}
}

func TestComputeNextRunOnceCompletes(t *testing.T) {
	s := &Scheduler{loc: time.UTC}
	task := model.ScheduledTask{ScheduleKind: model.ScheduleOnce}

	next, status, err := s.computeNextRun(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Errorf("next = %v, want nil", next)
	}
	if status != model.TaskCompleted {
		t.Errorf("status = %v, want completed", status)
	}
}

func TestComputeNextRunCronAdvancesFromNow(t *testing.T) {
	s := &Scheduler{loc: time.UTC}
	task := model.ScheduledTask{ScheduleKind: model.ScheduleCron, ScheduleValue: "*/5 * * * *"}

	next, status, err := s.computeNextRun(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != model.TaskActive {
		t.Errorf("status = %v, want active", status)
	}
	if next == nil || !next.After(time.Now()) {
		t.Errorf("next = %v, want a future time", next)
	}
}

func TestComputeNextRunIntervalAdvancesFromPriorAnchorNotNow(t *testing.T) {
	s := &Scheduler{loc: time.UTC}
	anchor := time.Now().Add(-50 * time.Minute)
	task := model.ScheduledTask{
		ScheduleKind:  model.ScheduleInterval,
		ScheduleValue: "60000", // 1 minute
		NextRun:       &anchor,
	}

	next, status, err := s.computeNextRun(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != model.TaskActive {
		t.Errorf("status = %v, want active", status)
	}
	want := anchor.Add(time.Minute)
	if next == nil || !next.Equal(want) {
		t.Errorf("next = %v, want %v (anchored on previous NextRun, not now)", next, want)
	}
}

func TestComputeNextRunIntervalRejectsBadValue(t *testing.T) {
	s := &Scheduler{loc: time.UTC}
	task := model.ScheduledTask{ScheduleKind: model.ScheduleInterval, ScheduleValue: "not-a-number"}

	if _, _, err := s.computeNextRun(task); err == nil {
		t.Error("expected error for non-numeric interval")
	}
}
