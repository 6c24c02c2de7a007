package vmconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, *[]string) {
	t.Helper()
	dir := t.TempDir()
	var events []string
	s := NewStore(dir, func(eventType string, payload interface{}) {
		events = append(events, eventType)
	})
	return s, &events
}

func TestGetCurrentDefaultsWhenMissing(t *testing.T) {
	s, _ := newTestStore(t)
	cfg, err := s.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cfg.CPU != Default().CPU {
		t.Errorf("CPU = %d", cfg.CPU)
	}
}

func TestSetConfigNotRunningWritesCurrent(t *testing.T) {
	s, events := newTestStore(t)
	d := Default()
	d.CPU = 4
	raw, _ := json.Marshal(d)
	res, err := s.SetConfig(raw, false)
	if err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if !res.Applied || res.RestartRequired {
		t.Errorf("res = %+v", res)
	}
	cur, _ := s.GetCurrent()
	if cur.CPU != 4 {
		t.Errorf("CPU = %d", cur.CPU)
	}
	if len(*events) != 1 || (*events)[0] != "config.updated" {
		t.Errorf("events = %v", *events)
	}
}

func TestSetConfigRunningStagesPendingOnRestartRequiredField(t *testing.T) {
	s, events := newTestStore(t)
	d := Default()
	d.CPU = 4
	raw, _ := json.Marshal(d)
	res, err := s.SetConfig(raw, true)
	if err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if res.Applied || !res.RestartRequired {
		t.Errorf("res = %+v", res)
	}
	cur, _ := s.GetCurrent()
	if cur.CPU == 4 {
		t.Error("current should be unchanged")
	}
	pending, _ := s.GetPending()
	if pending == nil || pending.CPU != 4 {
		t.Errorf("pending = %v", pending)
	}
	if len(*events) != 1 || (*events)[0] != "pending_config_written" {
		t.Errorf("events = %v", *events)
	}
}

func TestSetConfigRunningReplacesPendingEmitsReplacedEvent(t *testing.T) {
	s, events := newTestStore(t)
	d := Default()
	d.CPU = 4
	raw, _ := json.Marshal(d)
	s.SetConfig(raw, true)

	d.CPU = 8
	raw2, _ := json.Marshal(d)
	s.SetConfig(raw2, true)

	if len(*events) != 2 || (*events)[1] != "pending_config_replaced" {
		t.Errorf("events = %v", *events)
	}
}

func TestSetConfigNotRunningClearsPending(t *testing.T) {
	s, _ := newTestStore(t)
	d := Default()
	d.CPU = 4
	raw, _ := json.Marshal(d)
	s.SetConfig(raw, true) // stage pending

	d2 := Default()
	d2.Graphics.Enabled = false
	raw2, _ := json.Marshal(d2)
	s.SetConfig(raw2, false) // apply directly, should clear pending

	pending, _ := s.GetPending()
	if pending != nil {
		t.Errorf("pending should be cleared, got %v", pending)
	}
}

func TestPatchConfigNonRestartFieldAppliesImmediately(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.PatchConfig(json.RawMessage(`{"disk":{"sizeMiB":99999}}`), true)
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if !res.Applied {
		t.Errorf("expected applied=true for sizeMiB-only patch, got %+v", res)
	}
}

func TestPatchConfigRestartFieldStagesPending(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.PatchConfig(json.RawMessage(`{"graphics":{"enabled":false}}`), true)
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if res.Applied || !res.RestartRequired {
		t.Errorf("res = %+v", res)
	}
	if res.Pending.Graphics.Enabled {
		t.Error("pending.graphics.enabled should be false")
	}
	if res.Pending.Graphics.Width != Default().Graphics.Width {
		t.Error("pending.graphics.width should be preserved from base")
	}
}

func TestPatchConfigInvalidLeafReturnsValidationError(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.PatchConfig(json.RawMessage(`{"cpu":0}`), false)
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}

func TestActivatePendingIfPresent(t *testing.T) {
	s, events := newTestStore(t)
	d := Default()
	d.CPU = 6
	raw, _ := json.Marshal(d)
	s.SetConfig(raw, true)

	activated, err := s.ActivatePendingIfPresent()
	if err != nil {
		t.Fatalf("ActivatePendingIfPresent: %v", err)
	}
	if !activated {
		t.Fatal("expected activation")
	}
	cur, _ := s.GetCurrent()
	if cur.CPU != 6 {
		t.Errorf("current.CPU = %d, want 6", cur.CPU)
	}
	pending, _ := s.GetPending()
	if pending != nil {
		t.Error("pending should be cleared after activation")
	}
	if (*events)[len(*events)-1] != "config.pending_applied" {
		t.Errorf("last event = %s", (*events)[len(*events)-1])
	}
}

func TestActivatePendingIfPresentNoopWhenAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	activated, err := s.ActivatePendingIfPresent()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if activated {
		t.Error("expected no activation when pending absent")
	}
}

func TestStoreFilesUseExpectedNames(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	d := Default()
	d.CPU = 3
	raw, _ := json.Marshal(d)
	s.SetConfig(raw, false)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("config.json missing: %v", err)
	}
}
