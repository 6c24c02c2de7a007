package vmconfig

import "reflect"

// RestartRequired reports whether moving from cur to next touches any
// restart-required field: cpu, memory, the entire boot object,
// disk.path, network.mode, or the entire graphics object.
func RestartRequired(cur, next Config) bool {
	if cur.CPU != next.CPU {
		return true
	}
	if cur.Memory != next.Memory {
		return true
	}
	if !reflect.DeepEqual(cur.Boot, next.Boot) {
		return true
	}
	if cur.Disk.Path != next.Disk.Path {
		return true
	}
	if cur.Network.Mode != next.Network.Mode {
		return true
	}
	if !reflect.DeepEqual(cur.Graphics, next.Graphics) {
		return true
	}
	return false
}
