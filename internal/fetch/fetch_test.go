// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"testing"
)

func TestValidateInstallPath(t *testing.T) {
	cases := []struct {
		path    string
		wantErr bool
	}{
		{"model", false},
		{"nested/dir/file.bin", false},
		{"", true},
		{"/absolute/path", true},
		{"..", true},
		{"../escape", true},
		{"nested/../../escape", true},
		{"nested/../sibling", false},
	}
	for _, c := range cases {
		err := validateInstallPath(c.path)
		if (err != nil) != c.wantErr {
			t.Errorf("validateInstallPath(%q) error = %v, wantErr %v", c.path, err, c.wantErr)
		}
	}
}

func TestFetchRejectsEscapingPathBeforeTouchingRunner(t *testing.T) {
	// runner is nil: if Fetch ever reached a container.Runner call despite
	// the bad path, this would panic instead of returning a validation error.
	_, err := Fetch(context.Background(), nil, Spec{Kind: KindFile, Path: "../etc/passwd"}, "/workspace")
	if err == nil {
		t.Fatal("expected a validation error for an escaping install path")
	}
}

func TestFetchRejectsUnknownKind(t *testing.T) {
	_, err := Fetch(context.Background(), nil, Spec{Kind: "unknown", Path: "ok"}, "/workspace")
	if err == nil {
		t.Fatal("expected an error for an unknown resource kind")
	}
}
