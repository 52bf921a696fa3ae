package app

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"empty defaults to serve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker with extra args", []string{"worker", "--flag", "value"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"help", []string{"help"}, CommandHelp},
		{"short help flag", []string{"-h"}, CommandHelp},
		{"long help flag", []string{"--help"}, CommandHelp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_Unknown_ReturnsError(t *testing.T) {
	if _, err := ParseCommand([]string{"unknown"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestWriteUsage_ListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	writeUsage(&buf)

	out := buf.String()
	for _, c := range commands {
		if !strings.Contains(out, string(c.cmd)) {
			t.Errorf("usage does not mention %q:\n%s", c.cmd, out)
		}
	}
}
