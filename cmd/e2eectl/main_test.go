package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/config"
	"github.com/quantarax/e2ee/internal/observability"
)

// TestRunSelfTest tests the in-process handshake, rotation and stream round
// trip.
func TestRunSelfTest(t *testing.T) {
	chain := audit.NewChain()
	report, err := runSelfTest(context.Background(), config.DefaultConfig(), observability.NopLogger(), chain, observability.NewMetrics())
	if err != nil {
		t.Fatalf("runSelfTest failed: %v", err)
	}
	if report.ToVersion != report.FromVersion+1 {
		t.Errorf("Versions %d -> %d", report.FromVersion, report.ToVersion)
	}
	if len(strings.Split(report.SAS, "-")) != 4 {
		t.Errorf("SAS = %q, want 4 words", report.SAS)
	}
	if err := chain.Verify(); err != nil {
		t.Errorf("Audit chain broken: %v", err)
	}
}

// TestRunSelfTestNoGrace tests the self-test against a config that keeps no
// previous versions.
func TestRunSelfTestNoGrace(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Keys.RotationGracePeriod = 0
	if _, err := runSelfTest(context.Background(), cfg, observability.NopLogger(), audit.Nop{}, nil); err != nil {
		t.Fatalf("runSelfTest failed: %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// TestCertCommands tests issuing, verifying and listing certificates
// against a temporary store.
func TestCertCommands(t *testing.T) {
	t.Setenv("E2EE_CERT_STORE", filepath.Join(t.TempDir(), "certs.db"))
	t.Setenv("E2EE_LOG_LEVEL", "error")

	const deviceID = "0b5c6f7e-4a4f-4d6e-9a53-2f0a3b1c9d11"
	out, err := execute(t, "cert", "issue", "--name", "lab-workstation", "--device-id", deviceID)
	if err != nil {
		t.Fatalf("cert issue failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "fingerprint rcd1") {
		t.Errorf("Missing fingerprint: %s", out)
	}

	out, err = execute(t, "cert", "verify", deviceID)
	if err != nil {
		t.Fatalf("cert verify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid until") {
		t.Errorf("Unexpected verify output: %s", out)
	}

	out, err = execute(t, "cert", "list")
	if err != nil {
		t.Fatalf("cert list failed: %v", err)
	}
	if !strings.Contains(out, "lab-workstation") || !strings.Contains(out, "valid") {
		t.Errorf("Unexpected list output: %s", out)
	}

	if _, err := execute(t, "cert", "verify", "not-a-uuid"); err == nil {
		t.Error("verify accepted a malformed device id")
	}
}
