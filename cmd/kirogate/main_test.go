package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allaspectsdev/kirogate/internal/fingerprint"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFingerprintCommand(t *testing.T) {
	out, err := execute(t, "fingerprint", "seed-1")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp := fingerprint.Generate("seed-1")
	if !strings.Contains(out, `"machineId": "`+fp.MachineID+`"`) {
		t.Errorf("output missing machine id:\n%s", out)
	}
	if !strings.Contains(out, "User-Agent: "+fp.UserAgent()) {
		t.Errorf("output missing User-Agent header:\n%s", out)
	}

	var decoded fingerprint.Fingerprint
	body := out[:strings.Index(out, "\n}")+2]
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("json: %v", err)
	}
	if decoded != fp {
		t.Errorf("decoded = %+v, want %+v", decoded, fp)
	}
}

func TestFingerprintCommand_RequiresSeed(t *testing.T) {
	if _, err := execute(t, "fingerprint"); err == nil {
		t.Error("expected an error without a seed")
	}
}

func TestCooldownReasonsCommand(t *testing.T) {
	out, err := execute(t, "cooldown-reasons")
	if err != nil {
		t.Fatalf("cooldown-reasons: %v", err)
	}
	for _, want := range []string{"REASON", "rate_limit_exceeded", "account_suspended", "24h0m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInitConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kirogate.toml")
	if _, err := execute(t, "init-config", path); err != nil {
		t.Fatalf("init-config: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "keyring://kirogate/primary") {
		t.Errorf("config missing example credential:\n%s", data)
	}

	if _, err := execute(t, "init-config", path); err == nil {
		t.Error("second init-config should refuse to overwrite")
	}
}

func TestKeysListCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kirogate.toml")
	if _, err := execute(t, "init-config", path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KIROGATE_TOKEN_PRIMARY", "tok")

	out, err := execute(t, "--config", path, "keys", "list")
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out, "primary: ****") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "kirogate ") {
		t.Errorf("version = %q", out)
	}
}
