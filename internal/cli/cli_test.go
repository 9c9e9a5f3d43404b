package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestReadRecipients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.txt")
	content := "# newsletter\none@example.org\n\n  two@example.org  \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readRecipients(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "one@example.org" || got[1] != "two@example.org" {
		t.Fatalf("unexpected recipients: %v", got)
	}
}

func TestReadRecipientsInvalidLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipients.txt")
	if err := os.WriteFile(path, []byte("one@example.org\nnot an address\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := readRecipients(path); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
}

func TestVersionCommandJSON(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var info map[string]any
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("invalid json %q: %v", out.String(), err)
	}
	if info["version"] == "" || info["go_version"] == nil {
		t.Fatalf("missing version fields: %v", info)
	}
}

func TestSendRequiresRecipients(t *testing.T) {
	rootCmd.SetArgs([]string{"send", "--subject", "hello", "--text", "body"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error without recipients")
	}
}
