package vmconfig

import (
	"encoding/json"
	"testing"
)

func validJSON() string {
	d := Default()
	b, _ := json.Marshal(d)
	return string(b)
}

func TestValidateDefaultRoundTrips(t *testing.T) {
	cfg, err := Validate(json.RawMessage(validJSON()))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.CPU != 2 {
		t.Errorf("CPU = %d", cfg.CPU)
	}
}

func TestValidateRejectsUnknownTopLevelKey(t *testing.T) {
	raw := `{"cpu":2,"memory":268435456,"boot":{"loader":"linux","kernelPath":null,"initrdPath":null,"commandLine":null},"disk":{"path":"","sizeMiB":64},"network":{"mode":"shared"},"graphics":{"enabled":true,"width":64,"height":64},"extra":1}`
	_, err := Validate(json.RawMessage(raw))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "extra" {
		t.Errorf("err = %v", err)
	}
}

func TestValidateRejectsMissingKey(t *testing.T) {
	raw := `{"memory":268435456,"boot":{"loader":"linux","kernelPath":null,"initrdPath":null,"commandLine":null},"disk":{"path":"","sizeMiB":64},"network":{"mode":"shared"},"graphics":{"enabled":true,"width":64,"height":64}}`
	_, err := Validate(json.RawMessage(raw))
	if err == nil {
		t.Fatal("expected error for missing cpu")
	}
}

func TestValidateRejectsLowCPU(t *testing.T) {
	d := Default()
	d.CPU = 0
	b, _ := json.Marshal(d)
	_, err := Validate(b)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "cpu" {
		t.Errorf("err = %v", err)
	}
}

func TestValidateRejectsLowMemory(t *testing.T) {
	d := Default()
	d.Memory = 100
	b, _ := json.Marshal(d)
	_, err := Validate(b)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejectsUnknownNestedKey(t *testing.T) {
	raw := `{"cpu":2,"memory":268435456,"boot":{"loader":"linux","kernelPath":null,"initrdPath":null,"commandLine":null,"extra":1},"disk":{"path":"","sizeMiB":64},"network":{"mode":"shared"},"graphics":{"enabled":true,"width":64,"height":64}}`
	_, err := Validate(json.RawMessage(raw))
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "boot.extra" {
		t.Errorf("err = %v", err)
	}
}

func TestValidateAcceptsNullableBootFields(t *testing.T) {
	d := Default()
	k := "/boot/vmlinuz"
	d.Boot.KernelPath = &k
	b, _ := json.Marshal(d)
	cfg, err := Validate(b)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Boot.KernelPath == nil || *cfg.Boot.KernelPath != k {
		t.Errorf("KernelPath = %v", cfg.Boot.KernelPath)
	}
}

func TestValidateRejectsSmallGraphicsDims(t *testing.T) {
	d := Default()
	d.Graphics.Width = 10
	b, _ := json.Marshal(d)
	_, err := Validate(b)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Field != "graphics.width" {
		t.Errorf("err = %v", err)
	}
}

func TestValidateIsTotalOnGarbage(t *testing.T) {
	for _, raw := range []string{`null`, `42`, `"str"`, `[]`, `{}`} {
		if _, err := Validate(json.RawMessage(raw)); err == nil {
			t.Errorf("Validate(%s) should have errored", raw)
		}
	}
}

func TestRestartRequiredFalseForIdentical(t *testing.T) {
	c := Default()
	if RestartRequired(c, c) {
		t.Error("RestartRequired(c, c) should be false")
	}
}

func TestRestartRequiredTrueForCPU(t *testing.T) {
	c := Default()
	c2 := c
	c2.CPU = 4
	if !RestartRequired(c, c2) {
		t.Error("expected restart required for cpu change")
	}
}

func TestRestartRequiredTrueForDiskPath(t *testing.T) {
	c := Default()
	c2 := c
	c2.Disk.Path = "/tmp/disk.img"
	if !RestartRequired(c, c2) {
		t.Error("expected restart required for disk.path change")
	}
}

func TestRestartRequiredFalseForDiskSizeOnly(t *testing.T) {
	c := Default()
	c2 := c
	newSize := 99999
	c2.Disk.SizeMiB = &newSize
	if RestartRequired(c, c2) {
		t.Error("disk.sizeMiB alone is not restart-required")
	}
}

func TestRestartRequiredTrueForGraphics(t *testing.T) {
	c := Default()
	c2 := c
	c2.Graphics.Width = 1920
	if !RestartRequired(c, c2) {
		t.Error("expected restart required for graphics change")
	}
}

func TestRestartRequiredTrueForNetworkMode(t *testing.T) {
	c := Default()
	c2 := c
	c2.Network.Mode = "bridged"
	if !RestartRequired(c, c2) {
		t.Error("expected restart required for network.mode change")
	}
}
