package main

import "testing"

func TestRunHelp(t *testing.T) {
	code, err := run([]string{"zeroinstall"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 2 {
		t.Fatalf("want exit code 2, got %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	code, err := run([]string{"zeroinstall", "version"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("want exit code 0, got %d", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, err := run([]string{"zeroinstall", "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 2 {
		t.Fatalf("want exit code 2, got %d", code)
	}
}

func TestHostArchitectureIsPopulated(t *testing.T) {
	arch := hostArchitecture()
	if arch.OS == "" {
		t.Fatalf("expected a non-empty host OS on a supported runtime.GOOS")
	}
}
