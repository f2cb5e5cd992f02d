package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "guidedflow",
		SilenceUsage: true,
	}
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewRunCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures
// stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and
// returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validGuideJSON = `{
  "guide": {
    "slug": "router-reset",
    "title": "Reset your router"
  },
  "graph": {
    "steps": [
      {"id": "unplug", "type": "instruction", "title": "Unplug the router",
       "content": "Pull the power cable and wait ten seconds."},
      {"id": "confirm", "type": "question", "title": "Did the lights come back?",
       "inputs": [{"id": "ok", "type": "text", "label": "Answer", "required": true}]}
    ]
  }
}`

const invalidGuideJSON = `{
  "steps": [
    {"id": "a", "type": "instruction"},
    {"id": "a", "type": "instruction"}
  ]
}`

const warningGuideJSON = `{
  "steps": [
    {"id": "a", "type": "question",
     "inputs": [{"id": "pick", "type": "select"}]}
  ]
}`

func TestValidate_ValidFile(t *testing.T) {
	path := writeTestFile(t, "guide.json", validGuideJSON)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout, "Valid!") {
		t.Errorf("stdout = %q, want Valid!", stdout)
	}
}

func TestValidate_InvalidFileExitsWithCode(t *testing.T) {
	path := writeTestFile(t, "bad.json", invalidGuideJSON)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path)
	if err == nil {
		t.Fatal("expected error for invalid file")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("err = %v, want ExitError with code %d", err, exitValidation)
	}
	if !strings.Contains(stdout, "GF-001") {
		t.Errorf("stdout = %q, want duplicate id diagnostic", stdout)
	}
}

func TestValidate_StrictTreatsWarningsAsErrors(t *testing.T) {
	path := writeTestFile(t, "warn.json", warningGuideJSON)

	if _, _, err := executeCommand(newTestRoot(), "validate", path); err != nil {
		t.Fatalf("warnings alone should pass: %v", err)
	}

	_, _, err := executeCommand(newTestRoot(), "validate", path, "--strict")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("err = %v, want ExitError with code %d", err, exitValidation)
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "guide.json", validGuideJSON)

	stdout, _, err := executeCommand(newTestRoot(), "validate", path, "--format", "json")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Errorf("stdout = %q, want empty JSON array", stdout)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", filepath.Join(t.TempDir(), "absent.json"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitFileNotFound {
		t.Fatalf("err = %v, want ExitError with code %d", err, exitFileNotFound)
	}
}

func TestRun_WalksThroughGuide(t *testing.T) {
	path := writeTestFile(t, "guide.json", validGuideJSON)

	root := newTestRoot()
	// First blank advances past the instruction, then the question input
	// is answered and a final blank completes the session.
	root.SetIn(strings.NewReader("\nyes\n\n"))

	stdout, _, err := executeCommand(root, "run", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{
		"=== Reset your router ===",
		"[step 1 of 2] Unplug the router",
		"[step 2 of 2] Did the lights come back?",
		"All steps complete",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRun_EscalateCommand(t *testing.T) {
	path := writeTestFile(t, "guide.json", validGuideJSON)

	root := newTestRoot()
	root.SetIn(strings.NewReader("escalate still broken\nquit\n"))

	stdout, _, err := executeCommand(root, "run", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout, "Escalation recorded") {
		t.Errorf("stdout missing escalation confirmation:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Session abandoned.") {
		t.Errorf("stdout missing quit confirmation:\n%s", stdout)
	}
}

func TestRun_RequiredInputBlocksAdvance(t *testing.T) {
	path := writeTestFile(t, "guide.json", validGuideJSON)

	root := newTestRoot()
	// Advance past the instruction, skip the required answer, then supply
	// it on the re-prompt and complete.
	root.SetIn(strings.NewReader("\n\n\nyes\n\n"))

	stdout, _, err := executeCommand(root, "run", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout, "Cannot continue") {
		t.Errorf("stdout missing validation message:\n%s", stdout)
	}
	if !strings.Contains(stdout, "All steps complete") {
		t.Errorf("stdout missing completion:\n%s", stdout)
	}
}

func TestRun_ValidationFailurePrintsDiagnostics(t *testing.T) {
	path := writeTestFile(t, "bad.json", invalidGuideJSON)

	_, stderr, err := executeCommand(newTestRoot(), "run", path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitValidation {
		t.Fatalf("err = %v, want ExitError with code %d", err, exitValidation)
	}
	if !strings.Contains(stderr, "GF-001") {
		t.Errorf("stderr = %q, want duplicate id diagnostic", stderr)
	}
}

func TestRun_AgentRoleSeesAgentSteps(t *testing.T) {
	path := writeTestFile(t, "guide.json", `{
  "steps": [
    {"id": "public", "type": "instruction", "title": "Public step"},
    {"id": "internal", "type": "instruction", "title": "Internal step",
     "visibility": "agent"}
  ]
}`)

	root := newTestRoot()
	root.SetIn(strings.NewReader("\n"))
	stdout, _, err := executeCommand(root, "run", path)
	if err != nil {
		t.Fatalf("run as customer: %v", err)
	}
	if !strings.Contains(stdout, "[step 1 of 1]") {
		t.Errorf("customer should see 1 step:\n%s", stdout)
	}

	root = newTestRoot()
	root.SetIn(strings.NewReader("\n\n"))
	stdout, _, err = executeCommand(root, "run", path, "--role", "agent")
	if err != nil {
		t.Fatalf("run as agent: %v", err)
	}
	if !strings.Contains(stdout, "[step 1 of 2]") || !strings.Contains(stdout, "Internal step") {
		t.Errorf("agent should see both steps:\n%s", stdout)
	}
}
