package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	root.SetArgs(args)

	// Reset flags between runs (important for persistent flags)
	jsonOutput = false
	if f := root.PersistentFlags().Lookup("json"); f != nil {
		f.Changed = false
		f.Value.Set("false")
	}

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := root.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), err
}

func TestJSONOutput(t *testing.T) {
	tmpDir := t.TempDir()
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)
	os.Chdir(tmpDir)

	// Test Init with JSON
	output, err := executeCommand(rootCmd, "init", "--json")
	if err != nil {
		t.Fatalf("init command failed: %v\nOutput: %s", err, output)
	}

	var initResp InitResponse
	if err := json.Unmarshal([]byte(output), &initResp); err != nil {
		t.Errorf("Failed to parse init JSON: %v. Output:\n%s", err, output)
	}
	if initResp.Message == "" {
		t.Error("Expected message in init response")
	}
	if initResp.Directories["inbox"] == "" {
		t.Error("Expected inbox directory in init response")
	}

	// Test Submit built from flags
	output, err = executeCommand(rootCmd, "submit",
		"--type", "build", "--priority", "2",
		"--step", "fetch", "--step", "compile", "--json")
	if err != nil {
		t.Fatalf("submit command failed: %v\nOutput: %s", err, output)
	}

	var submitResp SubmitResponse
	if err := json.Unmarshal([]byte(output), &submitResp); err != nil {
		t.Errorf("Failed to parse submit JSON: %v. Output:\n%s", err, output)
	}
	if submitResp.Type != "build" {
		t.Errorf("Expected type build, got %s", submitResp.Type)
	}
	if _, err := os.Stat(submitResp.Location); err != nil {
		t.Errorf("Expected request file at %s: %v", submitResp.Location, err)
	}

	// Test Submit from a request file
	reqFile := filepath.Join(tmpDir, "deploy.yaml")
	os.WriteFile(reqFile, []byte("type: deploy\npriority: 1\n"), 0644)

	output, err = executeCommand(rootCmd, "submit", "deploy.yaml", "--json")
	if err != nil {
		t.Fatalf("submit command failed: %v\nOutput: %s", err, output)
	}
	if err := json.Unmarshal([]byte(output), &submitResp); err != nil {
		t.Errorf("Failed to parse submit JSON: %v. Output:\n%s", err, output)
	}
	if submitResp.Filename != "deploy.yaml" {
		t.Errorf("Expected filename deploy.yaml, got %s", submitResp.Filename)
	}

	// A request without a type must be rejected before it reaches the inbox
	badFile := filepath.Join(tmpDir, "bad.yaml")
	os.WriteFile(badFile, []byte("priority: 3\n"), 0644)

	if _, err = executeCommand(rootCmd, "submit", "bad.yaml", "--json"); err == nil {
		t.Error("Expected submit to reject a request without a type")
	}

	// Test List with JSON (history store is empty until the daemon runs)
	output, err = executeCommand(rootCmd, "list", "--json")
	if err != nil {
		t.Fatalf("list command failed: %v\nOutput: %s", err, output)
	}
	var listResp ListResponse
	if err := json.Unmarshal([]byte(output), &listResp); err != nil {
		t.Errorf("Failed to parse list JSON: %v. Output:\n%s", err, output)
	}
	if len(listResp.Tasks) != 0 {
		t.Errorf("Expected no recorded tasks, got %d", len(listResp.Tasks))
	}

	// Test Status with JSON (no worker snapshots yet)
	output, err = executeCommand(rootCmd, "status", "--json")
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	var statusResp StatusResponse
	if err := json.Unmarshal([]byte(output), &statusResp); err != nil {
		t.Errorf("Failed to parse status JSON: %v", err)
	}

	// Test Escalations with JSON
	output, err = executeCommand(rootCmd, "escalations", "--json")
	if err != nil {
		t.Fatalf("escalations command failed: %v", err)
	}
	var escResp EscalationsResponse
	if err := json.Unmarshal([]byte(output), &escResp); err != nil {
		t.Errorf("Failed to parse escalations JSON: %v", err)
	}

	// Test Audit with JSON (log is not created until the daemon runs)
	output, err = executeCommand(rootCmd, "audit", "--json")
	if err != nil {
		t.Fatalf("audit command failed: %v", err)
	}
	var auditResp AuditResponse
	if err := json.Unmarshal([]byte(output), &auditResp); err != nil {
		t.Errorf("Failed to parse audit JSON: %v", err)
	}
	if len(auditResp.Entries) != 0 {
		t.Errorf("Expected empty audit log, got %d entries", len(auditResp.Entries))
	}
}
