package vmconfig

import (
	"encoding/json"
	"testing"
)

func TestValidatePatchAcceptsSparse(t *testing.T) {
	_, err := ValidatePatch(json.RawMessage(`{"cpu":4}`))
	if err != nil {
		t.Fatalf("ValidatePatch: %v", err)
	}
}

func TestValidatePatchRejectsUnknownTopKey(t *testing.T) {
	_, err := ValidatePatch(json.RawMessage(`{"bogus":1}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidatePatchRejectsBadLeaf(t *testing.T) {
	_, err := ValidatePatch(json.RawMessage(`{"cpu":0}`))
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "cpu" {
		t.Errorf("err = %v", err)
	}
}

func TestValidatePatchRejectsUnknownNestedKey(t *testing.T) {
	_, err := ValidatePatch(json.RawMessage(`{"graphics":{"bogus":true}}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDeepMergePreservesDisjointLeaves(t *testing.T) {
	base := Default()
	baseMap, _ := toRawMap(base)
	patch := map[string]json.RawMessage{
		"graphics": json.RawMessage(`{"enabled":false}`),
	}
	merged, err := DeepMerge(baseMap, patch)
	if err != nil {
		t.Fatalf("DeepMerge: %v", err)
	}
	mergedRaw, _ := json.Marshal(merged)
	next, err := Validate(mergedRaw)
	if err != nil {
		t.Fatalf("Validate(merged): %v", err)
	}
	if next.Graphics.Enabled {
		t.Error("graphics.enabled should be false after patch")
	}
	if next.Graphics.Width != base.Graphics.Width {
		t.Errorf("graphics.width changed unexpectedly: %d", next.Graphics.Width)
	}
	if next.CPU != base.CPU {
		t.Errorf("cpu changed unexpectedly: %d", next.CPU)
	}
}

func TestDeepMergeTopLevelScalarReplace(t *testing.T) {
	base := Default()
	baseMap, _ := toRawMap(base)
	patch := map[string]json.RawMessage{"cpu": json.RawMessage(`8`)}
	merged, _ := DeepMerge(baseMap, patch)
	mergedRaw, _ := json.Marshal(merged)
	next, err := Validate(mergedRaw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if next.CPU != 8 {
		t.Errorf("cpu = %d, want 8", next.CPU)
	}
}

func TestDeepMergeNullLeafReplacesNonNull(t *testing.T) {
	base := Default()
	k := "/boot/vmlinuz"
	base.Boot.KernelPath = &k
	baseMap, _ := toRawMap(base)
	patch := map[string]json.RawMessage{
		"boot": json.RawMessage(`{"kernelPath":null}`),
	}
	merged, err := DeepMerge(baseMap, patch)
	if err != nil {
		t.Fatalf("DeepMerge: %v", err)
	}
	mergedRaw, _ := json.Marshal(merged)
	next, err := Validate(mergedRaw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if next.Boot.KernelPath != nil {
		t.Errorf("kernelPath = %v, want nil", next.Boot.KernelPath)
	}
}
