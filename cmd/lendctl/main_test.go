package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultlend/cmd/internal/passphrase"
	"vaultlend/config"
	"vaultlend/crypto"
	"vaultlend/services/lendingd/server"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueTokenForSubject(t *testing.T) {
	subject := crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x01}, 20))
	lookup := func(key string) (string, bool) {
		if key == defaultSecretEnv {
			return testSecret, true
		}
		return "", false
	}
	token, err := issueToken(tokenOptions{
		subject:   subject.String(),
		secretEnv: defaultSecretEnv,
		scopes:    "admin, read,",
		issuer:    "vaultlend",
		ttl:       time.Minute,
	}, lookup)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	auth := server.NewAuthenticator(server.AuthConfig{HMACSecret: testSecret, Issuer: "vaultlend"}, nil)
	id, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !id.Address.Equal(subject) || !id.HasScope("admin") || !id.HasScope("read") || len(id.Scopes) != 2 {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestIssueTokenRequiresSecretAndSubject(t *testing.T) {
	none := func(string) (string, bool) { return "", false }
	if _, err := issueToken(tokenOptions{subject: "x", secretEnv: defaultSecretEnv}, none); err == nil {
		t.Fatalf("expected missing secret error")
	}
	withSecret := func(string) (string, bool) { return testSecret, true }
	if _, err := issueToken(tokenOptions{secretEnv: defaultSecretEnv}, withSecret); err == nil {
		t.Fatalf("expected missing subject error")
	}
	if _, err := issueToken(tokenOptions{subject: "a", keystore: "b", secretEnv: defaultSecretEnv}, withSecret); err == nil {
		t.Fatalf("expected conflicting subject error")
	}
}

func TestInitConfigWritesLoadableConfig(t *testing.T) {
	t.Setenv(defaultPassEnv, "operator passphrase")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := initConfig(path, "", "BOLT", filepath.Join(dir, "data"), passphrase.NewSource(defaultPassEnv, "owner keystore"), false)
	if err != nil {
		t.Fatalf("init config: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.StorageBackend != config.BackendBolt {
		t.Fatalf("backend not persisted: %q", loaded.StorageBackend)
	}
	if loaded.Lending.Owner != cfg.Lending.Owner {
		t.Fatalf("owner mismatch: %s vs %s", loaded.Lending.Owner, cfg.Lending.Owner)
	}
	key, err := crypto.LoadFromKeystore(filepath.Join(dir, defaultKeystore), "operator passphrase")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if key.PubKey().Address().String() != cfg.Lending.Owner {
		t.Fatalf("keystore does not match owner")
	}

	if _, err := initConfig(path, "", "leveldb", "", passphrase.NewSource(defaultPassEnv, "owner keystore"), false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
}

func TestRunCustodyPrintsModuleAddress(t *testing.T) {
	var out bytes.Buffer
	if err := runCustody(nil, &out); err != nil {
		t.Fatalf("custody: %v", err)
	}
	want := crypto.ModuleAddress(config.DefaultCustodyModule).String()
	if strings.TrimSpace(out.String()) != want {
		t.Fatalf("expected %s, got %q", want, out.String())
	}
}
