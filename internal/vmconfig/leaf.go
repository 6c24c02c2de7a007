package vmconfig

import "encoding/json"

// Leaf validators are shared between full-document validation and
// sparse-patch validation so both enforce identical bounds.

func validateCPULeaf(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f != float64(int(f)) {
		return 0, fieldErr("cpu", "cpu must be an integer >= 1")
	}
	n := int(f)
	if n < 1 {
		return 0, fieldErr("cpu", "cpu must be an integer >= 1")
	}
	return n, nil
}

func validateMemoryLeaf(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f != float64(int64(f)) {
		return 0, fieldErr("memory", "memory must be an integer (bytes)")
	}
	n := int64(f)
	if n < MinMemoryBytes {
		return 0, fieldErr("memory", "memory must be >= %d bytes", MinMemoryBytes)
	}
	return n, nil
}

func validateLoaderLeaf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fieldErr("boot.loader", "boot.loader must be a non-empty string")
	}
	return s, nil
}

func validateDiskPathLeaf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fieldErr("disk.path", "disk.path must be a string")
	}
	return s, nil
}

func validateDiskSizeLeaf(raw json.RawMessage) (*int, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f != float64(int(f)) {
		return nil, fieldErr("disk.sizeMiB", "disk.sizeMiB must be an integer >= %d or null", MinDiskSizeMiB)
	}
	n := int(f)
	if n < MinDiskSizeMiB {
		return nil, fieldErr("disk.sizeMiB", "disk.sizeMiB must be an integer >= %d or null", MinDiskSizeMiB)
	}
	return &n, nil
}

func validateNetworkModeLeaf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", fieldErr("network.mode", "network.mode must be a non-empty string")
	}
	return s, nil
}

func validateGraphicsEnabledLeaf(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fieldErr("graphics.enabled", "graphics.enabled must be a boolean")
	}
	return b, nil
}

func validateGraphicsDimLeaf(field string, raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f != float64(int(f)) {
		return 0, fieldErr(field, "%s must be an integer >= %d", field, MinGraphicsDim)
	}
	n := int(f)
	if n < MinGraphicsDim {
		return 0, fieldErr(field, "%s must be an integer >= %d", field, MinGraphicsDim)
	}
	return n, nil
}
