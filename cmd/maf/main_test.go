package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestRootCmdSubcommands(t *testing.T) {
	cmd := rootCmd()

	want := map[string]bool{
		"launch":  false,
		"status":  false,
		"trigger": false,
		"reset":   false,
		"version": false,
	}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRuntimeFailureClassification(t *testing.T) {
	var rf runtimeFailure

	wrapped := fmt.Errorf("shutdown: %w", fatal(errors.New("boom")))
	if !errors.As(wrapped, &rf) {
		t.Error("wrapped fatal error must classify as runtime failure")
	}
	if errors.As(errors.New("user error"), &rf) {
		t.Error("plain error must not classify as runtime failure")
	}
	if fatal(nil) != nil {
		t.Error("fatal(nil) must stay nil")
	}
}
