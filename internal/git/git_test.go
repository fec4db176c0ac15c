// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// setupLocalRepo creates a single-commit repository on disk and returns its
// file:// URL, avoiding any network dependency in the test.
func setupLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := wt.Filesystem.MkdirAll(".", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	f, err := wt.Filesystem.Create("README.md")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return "file://" + dir
}

func TestResolveRefResolvesHead(t *testing.T) {
	url := setupLocalRepo(t)
	hash, err := ResolveRef(context.Background(), url, "HEAD", nil)
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if hash.IsZero() {
		t.Fatal("ResolveRef returned a zero hash")
	}
}

func TestResolveRefUnknownRefErrors(t *testing.T) {
	url := setupLocalRepo(t)
	if _, err := ResolveRef(context.Background(), url, "refs/heads/no-such-branch", nil); err == nil {
		t.Fatal("expected an error resolving a nonexistent ref")
	}
}

func TestCloneIntoPopulatesWorktree(t *testing.T) {
	url := setupLocalRepo(t)
	fs := memfs.New()
	if _, err := CloneInto(context.Background(), url, fs); err != nil {
		t.Fatalf("CloneInto: %v", err)
	}
	f, err := fs.Open("README.md")
	if err != nil {
		t.Fatalf("expected README.md in cloned worktree: %v", err)
	}
	f.Close()
}

func TestSSHKeyAuthParsesAValidKey(t *testing.T) {
	priv := generateEd25519PEM(t)
	auth, err := SSHKeyAuth("git", priv)
	if err != nil {
		t.Fatalf("SSHKeyAuth: %v", err)
	}
	pk, ok := auth.(*gitssh.PublicKeys)
	if !ok {
		t.Fatalf("auth is %T, want *ssh.PublicKeys", auth)
	}
	if pk.User != "git" {
		t.Errorf("User = %q, want %q", pk.User, "git")
	}
}

func TestSSHKeyAuthRejectsGarbage(t *testing.T) {
	if _, err := SSHKeyAuth("git", []byte("not a key")); err == nil {
		t.Fatal("expected an error parsing an invalid private key")
	}
}

// generateEd25519PEM returns a PEM-encoded PKCS#8 ed25519 private key,
// a format golang.org/x/crypto/ssh.ParsePrivateKey accepts directly.
func generateEd25519PEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
