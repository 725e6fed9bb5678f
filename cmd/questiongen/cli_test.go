package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/scheduler"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd, out
}

func TestCommandTree(t *testing.T) {
	want := map[string]bool{"generate": false, "topics": false, "vectorize": false, "migrate": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}

	if err := generateCmd.Args(generateCmd, nil); err == nil {
		t.Error("generate should require a subject")
	}
	if err := vectorizeCmd.Args(vectorizeCmd, []string{"a", "b"}); err == nil {
		t.Error("vectorize takes exactly one directory")
	}
}

func TestVectorize(t *testing.T) {
	log = logger.Nop()
	cfg = config.Default()
	cfg.Retrieval.Embedder = "hash"
	cfg.Retrieval.SQLitePath = filepath.Join(t.TempDir(), "vectors.db")
	defer func() { vecSubject, vecForce = "", false }()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(strings.Repeat("A trust needs certainty of intention. ", 30)), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd, out := testCmd()
	if err := vectorizeCmd.RunE(cmd, []string{dir}); err == nil {
		t.Fatal("expected error without --subject")
	}

	vecSubject = "Trusts"
	if err := vectorizeCmd.RunE(cmd, []string{dir}); err != nil {
		t.Fatalf("vectorize: %v", err)
	}
	if !strings.Contains(out.String(), "indexed 1 files (0 unchanged)") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := vectorizeCmd.RunE(cmd, []string{dir}); err != nil {
		t.Fatalf("second vectorize: %v", err)
	}
	if !strings.Contains(out.String(), "(1 unchanged)") {
		t.Errorf("unchanged file was re-indexed: %q", out.String())
	}

	if err := vectorizeCmd.RunE(cmd, []string{filepath.Join(dir, "notes.md")}); err == nil {
		t.Error("expected error for a file path")
	}
}

func TestPrintReport(t *testing.T) {
	cmd, out := testCmd()
	err := printReport(cmd, &scheduler.Report{RunID: "r1", Target: 5, Made: 3, Attempts: 30})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"run_id": "r1"`) {
		t.Errorf("report JSON missing: %q", out.String())
	}
	if !strings.Contains(out.String(), "made 3 of 5 questions in 30 attempts") {
		t.Errorf("shortfall note missing: %q", out.String())
	}
}
