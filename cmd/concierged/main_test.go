package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestCheckConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"check-config"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "config ok") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "rate tier: standard") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestCheckConfigRejectsBadOverlay(t *testing.T) {
	configFile = "does-not-exist.yaml"
	t.Cleanup(func() { configFile = "" })

	rootCmd.SetArgs([]string{"check-config"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing overlay file")
	}
}
