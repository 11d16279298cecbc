package python

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestExtractCode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"print(1)", "print(1)"},
		{"```python\nprint(2)\n```", "print(2)"},
		{"run this:\n```\nx = 1\nprint(x)\n```", "x = 1\nprint(x)"},
		{"  \n  print(3)  \n", "print(3)"},
	}
	for _, tc := range cases {
		if got := ExtractCode(tc.in); got != tc.want {
			t.Fatalf("ExtractCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPreviewShowsCleanCode(t *testing.T) {
	tool := New()
	if !tool.RequiresConfirmation() {
		t.Fatalf("python execution must be gated")
	}
	preview := tool.Preview(&Input{Code: "```python\nprint('hi')\n```"})
	want := "!!  CODE OPERATION PREVIEW !!\nAbout to execute Python code:\n\nprint('hi')\n\nDo you want to proceed? (y/n)"
	if preview != want {
		t.Fatalf("unexpected preview %q", preview)
	}
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requirePython(t)
	got, err := New().Run(context.Background(), &Input{Code: "print(6 * 7)"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Code executed successfully:\n42\n" {
		t.Fatalf("unexpected output %q", got)
	}

	got, err = New().Run(context.Background(), &Input{Code: "x = 1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Code executed successfully with no output." {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunReportsPythonErrors(t *testing.T) {
	requirePython(t)
	got, err := New().Run(context.Background(), &Input{Code: "print('before')\nraise ValueError('boom')"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "Error executing code block: ValueError: boom") {
		t.Fatalf("unexpected output %q", got)
	}
	if !strings.HasSuffix(got, "Captured output:\nbefore\n") {
		t.Fatalf("expected captured output, got %q", got)
	}

	got, err = New().Run(context.Background(), &Input{Code: "def broken(:"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "Syntax error in code block:") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunMissingInterpreter(t *testing.T) {
	tool := New(WithInterpreter("/nonexistent/python"))
	if _, err := tool.Run(context.Background(), &Input{Code: "print(1)"}); err == nil {
		t.Fatalf("expected error for missing interpreter")
	}
}
