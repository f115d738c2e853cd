package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenYAMLOmitsThem(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "relayer-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("chain:\n  chainId: 1\n  name: test\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("expected default 4 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Admission.ReplayWindow != 24*time.Hour {
		t.Fatalf("expected default replay window of 24h, got %s", cfg.Admission.ReplayWindow)
	}
	if cfg.Chain.ChainID != 1 {
		t.Fatalf("expected chain id from yaml to be preserved, got %d", cfg.Chain.ChainID)
	}
}

func TestLoadOverlaysSecretsFromEnvironment(t *testing.T) {
	t.Setenv("RELAYER_ADMIN_PASSWORD", "super-secret")
	t.Setenv("RELAYER_ADMIN_TOTP_SECRET", "totp-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Secrets.AdminPassword != "super-secret" {
		t.Fatalf("expected admin password from env, got %q", cfg.Secrets.AdminPassword)
	}
	if cfg.Secrets.AdminTOTPSecret != "totp-secret" {
		t.Fatalf("expected totp secret from env, got %q", cfg.Secrets.AdminTOTPSecret)
	}
}

func TestAdmissionAmountParsing(t *testing.T) {
	a := AdmissionConfig{MinAmount: "100", MaxAmount: ""}
	min, err := a.MinAmountInt()
	if err != nil {
		t.Fatal(err)
	}
	if min.Int64() != 100 {
		t.Fatalf("expected 100, got %s", min.String())
	}
	max, err := a.MaxAmountInt()
	if err != nil {
		t.Fatal(err)
	}
	if max != nil {
		t.Fatalf("expected nil max amount when unset, got %s", max.String())
	}
}
