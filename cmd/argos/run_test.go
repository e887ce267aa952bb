package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunFinalizePartialCmd_Args(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing attempt", []string{"run", "finalize-partial", "42"}, "accepts 2 arg"},
		{"bad attempt", []string{"run", "finalize-partial", "42", "x"}, "invalid attempt"},
		{"zero attempt", []string{"run", "finalize-partial", "42", "0"}, "invalid attempt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunFinalizePartialCmd_NoPartialBuilds(t *testing.T) {
	cfgPath, _ := sqliteConfig(t)
	migrate(t, cfgPath)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"run", "finalize-partial", "42", "2", "-c", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("run finalize-partial: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "run 42 attempt 2") {
		t.Errorf("output = %q", out)
	}
}
