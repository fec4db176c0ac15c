// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/attestbuild/runner/internal/tpm"
)

func TestAppendExtendsAndSnapshotMatchesReplay(t *testing.T) {
	gw := tpm.NewSimGateway(tpm.Config{})
	const pcr = 16
	log := New(gw, pcr)
	ctx := context.Background()

	if _, err := log.Append(ctx, "build_request", map[string]string{"image": "debian:bookworm-slim"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "input_resource", map[string]string{"path": "src", "content_hash": "sha1:deadbeef"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "outputs", map[string]string{"path": "out.bin", "sha256": "abc123"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	wantPCR, err := gw.ReadPCR(ctx, pcr)
	if err != nil {
		t.Fatalf("ReadPCR: %v", err)
	}

	snapshot := log.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("Snapshot returned %d events, want 3", len(snapshot))
	}

	replayed, err := Replay(snapshot)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := hex.EncodeToString(replayed[:]); got != wantPCR {
		t.Errorf("Replay() = %s, want %s (matching the gateway's extended pcr)", got, wantPCR)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	gw := tpm.NewSimGateway(tpm.Config{})
	log := New(gw, 16)
	if _, err := log.Append(context.Background(), "build_request", map[string]string{"image": "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	snap := log.Snapshot()
	snap[0].Type = "mutated"
	if log.Snapshot()[0].Type == "mutated" {
		t.Fatal("Snapshot must return an independent copy")
	}
}

func TestReplayOfEmptyLogIsZero(t *testing.T) {
	got, err := Replay(nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	var zero [32]byte
	if got != zero {
		t.Errorf("Replay(nil) = %x, want all-zero", got)
	}
}
