package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/voxgate/internal/interaction"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"chat", "say", "synthesize", "history", "end"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not registered: %v", name, err)
		}
	}
}

func TestSayRequiresFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"say"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error without a wav file")
	}
}

func TestWriteHistory(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := writeHistory(&buf, []interaction.Interaction{
		{Seq: 1, Type: interaction.TypeRecognition, Text: "where is the library?", CreatedAt: at},
		{Seq: 2, Type: interaction.TypeResponse, Text: "North campus.", Intent: "knowledge_query", CreatedAt: at},
	})
	if err != nil {
		t.Fatalf("writeHistory() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "09:30:00") || !strings.Contains(lines[0], "where is the library?") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "[knowledge_query]") {
		t.Fatalf("intent missing from %q", lines[1])
	}
}
