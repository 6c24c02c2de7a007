package vmconfig

import "encoding/json"

// ValidatePatch checks a sparse patch object: top-level keys must be a
// subset of the six schema keys, nested objects may omit any of their
// leaves, but no key outside the schema is tolerated at any level, and
// every leaf present is bounds-checked exactly as in Validate.
func ValidatePatch(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fieldErr("", "patch must be a JSON object: %v", err)
	}
	if err := checkKeys("", top, topLevelKeys); err != nil {
		return nil, err
	}

	if raw, ok := top["cpu"]; ok {
		if _, err := validateCPULeaf(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top["memory"]; ok {
		if _, err := validateMemoryLeaf(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top["boot"]; ok {
		if err := validatePatchBoot(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top["disk"]; ok {
		if err := validatePatchDisk(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top["network"]; ok {
		if err := validatePatchNetwork(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := top["graphics"]; ok {
		if err := validatePatchGraphics(raw); err != nil {
			return nil, err
		}
	}
	return top, nil
}

func validatePatchBoot(raw json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fieldErr("boot", "boot must be an object")
	}
	if err := checkKeys("boot", m, bootKeys); err != nil {
		return err
	}
	if v, ok := m["loader"]; ok {
		if _, err := validateLoaderLeaf(v); err != nil {
			return err
		}
	}
	for _, key := range []string{"kernelPath", "initrdPath", "commandLine"} {
		if v, ok := m[key]; ok {
			if string(v) != "null" {
				var s string
				if err := json.Unmarshal(v, &s); err != nil {
					return fieldErr("boot."+key, "boot.%s must be a string or null", key)
				}
			}
		}
	}
	return nil
}

func validatePatchDisk(raw json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fieldErr("disk", "disk must be an object")
	}
	if err := checkKeys("disk", m, diskKeys); err != nil {
		return err
	}
	if v, ok := m["path"]; ok {
		if _, err := validateDiskPathLeaf(v); err != nil {
			return err
		}
	}
	if v, ok := m["sizeMiB"]; ok {
		if _, err := validateDiskSizeLeaf(v); err != nil {
			return err
		}
	}
	return nil
}

func validatePatchNetwork(raw json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fieldErr("network", "network must be an object")
	}
	if err := checkKeys("network", m, networkKeys); err != nil {
		return err
	}
	if v, ok := m["mode"]; ok {
		if _, err := validateNetworkModeLeaf(v); err != nil {
			return err
		}
	}
	return nil
}

func validatePatchGraphics(raw json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fieldErr("graphics", "graphics must be an object")
	}
	if err := checkKeys("graphics", m, graphicsKeys); err != nil {
		return err
	}
	if v, ok := m["enabled"]; ok {
		if _, err := validateGraphicsEnabledLeaf(v); err != nil {
			return err
		}
	}
	if v, ok := m["width"]; ok {
		if _, err := validateGraphicsDimLeaf("graphics.width", v); err != nil {
			return err
		}
	}
	if v, ok := m["height"]; ok {
		if _, err := validateGraphicsDimLeaf("graphics.height", v); err != nil {
			return err
		}
	}
	return nil
}

// DeepMerge applies a validated sparse patch onto a base document (both
// represented as generic JSON trees of map[string]json.RawMessage for
// objects). Objects recurse key-by-key; any non-object value (array or
// scalar) present in the patch replaces the base value wholesale.
func DeepMerge(base, patch map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, existed := out[k]
		if !existed {
			out[k] = pv
			continue
		}
		merged, isObj, err := mergeValue(bv, pv)
		if err != nil {
			return nil, err
		}
		if isObj {
			out[k] = merged
		} else {
			out[k] = pv
		}
	}
	return out, nil
}

// mergeValue merges two raw JSON values if both are objects, returning
// the merged bytes and true; otherwise returns (nil, false, nil) to
// signal the caller should use the patch value as a wholesale
// replacement.
func mergeValue(base, patch json.RawMessage) (json.RawMessage, bool, error) {
	var baseObj map[string]json.RawMessage
	var patchObj map[string]json.RawMessage
	if json.Unmarshal(base, &baseObj) != nil {
		return nil, false, nil
	}
	if json.Unmarshal(patch, &patchObj) != nil {
		return nil, false, nil
	}
	merged, err := DeepMerge(baseObj, patchObj)
	if err != nil {
		return nil, false, err
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
