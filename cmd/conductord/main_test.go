package main

import (
	"testing"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "log-level", "log-format", "dev"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("expected --%s flag", name)
		}
	}
	if err := cmd.Args(cmd, []string{"extra"}); err == nil {
		t.Fatal("expected positional arguments to be rejected")
	}
}
