package main

import (
	"encoding/json"
	"testing"
)

func TestRunWithNoArgsIsUsageError(t *testing.T) {
	if code := run(nil); code != exitUsage {
		t.Errorf("run(nil) = %d, want %d", code, exitUsage)
	}
}

func TestRunWithUnknownCommandIsUsageError(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != exitUsage {
		t.Errorf("run with unknown command = %d, want %d", code, exitUsage)
	}
}

func TestRunWithHelpSucceedsWithoutDialing(t *testing.T) {
	if code := run([]string{"help"}); code != 0 {
		t.Errorf("run with help = %d, want 0", code)
	}
}

func TestRunWithBadGlobalFlagIsUsageError(t *testing.T) {
	if code := run([]string{"--not-a-flag"}); code != exitUsage {
		t.Errorf("run with bad flag = %d, want %d", code, exitUsage)
	}
}

func TestValidCommandsMatchesDocumentedSurface(t *testing.T) {
	want := []string{
		"ping", "status", "list", "start", "stop", "events", "doctor",
		"driver-exec", "config-get", "config-set", "config-patch",
		"open-display", "close-display", "audit",
	}
	if len(validCommands) != len(want) {
		t.Fatalf("validCommands has %d entries, want %d", len(validCommands), len(want))
	}
	for _, cmd := range want {
		if !validCommands[cmd] {
			t.Errorf("validCommands missing %q", cmd)
		}
	}
}

func TestRunWithVersionSucceedsWithoutDialing(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Errorf("run with version = %d, want 0", code)
	}
}

func TestPrintResultHandlesNonJSONGracefully(t *testing.T) {
	// printResult must not panic on malformed input; it falls back to
	// printing the raw bytes.
	printResult(json.RawMessage("not json"))
}
