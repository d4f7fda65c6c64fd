package util

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestNewNonce(t *testing.T) {
	a, err := NewNonce(16)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewNonce(16)
	if len(a) != 16 || bytes.Equal(a, b) {
		t.Fatalf("nonces %x %x", a, b)
	}
}

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	if err := EnsureSelfSignedCert(cert, key, "localhost"); err != nil {
		t.Fatal(err)
	}
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}

	before, _ := os.ReadFile(cert)
	if err := EnsureSelfSignedCert(cert, key, "localhost"); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(cert)
	if !bytes.Equal(before, after) {
		t.Fatal("existing certificate was replaced")
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"voxeld_2024-01-01.log", "voxeld_2024-01-02.log", "voxeld_2024-01-03.log", "other.log"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}
	cleanOldLogs(dir, 2)

	if FileExists(filepath.Join(dir, "voxeld_2024-01-01.log")) {
		t.Fatal("oldest log kept")
	}
	for _, name := range []string{"voxeld_2024-01-02.log", "voxeld_2024-01-03.log", "other.log"} {
		if !FileExists(filepath.Join(dir, name)) {
			t.Fatalf("%s removed", name)
		}
	}
}
