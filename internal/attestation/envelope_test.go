// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package attestation

import (
	"context"
	"testing"

	"github.com/attestbuild/runner/internal/eventlog"
)

func TestOperatorEnvelopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, err := GenerateEd25519SignerVerifier()
	if err != nil {
		t.Fatalf("GenerateEd25519SignerVerifier: %v", err)
	}
	bundle := Bundle{
		EventLog:          []eventlog.Event{{Type: "build_request"}},
		RemoteAttestation: RemoteAttestation{SimulationMode: true},
	}

	env, err := SignOperatorEnvelope(ctx, signer, bundle)
	if err != nil {
		t.Fatalf("SignOperatorEnvelope: %v", err)
	}
	keyID, err := VerifyOperatorEnvelope(ctx, signer, env, bundle)
	if err != nil {
		t.Fatalf("VerifyOperatorEnvelope: %v", err)
	}
	wantKeyID, _ := signer.KeyID()
	if keyID != wantKeyID {
		t.Errorf("verified key id = %q, want %q", keyID, wantKeyID)
	}
}

func TestOperatorEnvelopeRejectsTamperedBundle(t *testing.T) {
	ctx := context.Background()
	signer, err := GenerateEd25519SignerVerifier()
	if err != nil {
		t.Fatalf("GenerateEd25519SignerVerifier: %v", err)
	}
	bundle := Bundle{EventLog: []eventlog.Event{{Type: "build_request"}}}
	env, err := SignOperatorEnvelope(ctx, signer, bundle)
	if err != nil {
		t.Fatalf("SignOperatorEnvelope: %v", err)
	}

	tampered := bundle
	tampered.EventLog = append(tampered.EventLog, eventlog.Event{Type: "outputs"})
	if _, err := VerifyOperatorEnvelope(ctx, signer, env, tampered); err == nil {
		t.Fatal("expected verification failure against a tampered bundle")
	}
}

func TestOperatorEnvelopeRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	signer, err := GenerateEd25519SignerVerifier()
	if err != nil {
		t.Fatalf("GenerateEd25519SignerVerifier: %v", err)
	}
	other, err := GenerateEd25519SignerVerifier()
	if err != nil {
		t.Fatalf("GenerateEd25519SignerVerifier: %v", err)
	}
	bundle := Bundle{EventLog: []eventlog.Event{{Type: "build_request"}}}
	env, err := SignOperatorEnvelope(ctx, signer, bundle)
	if err != nil {
		t.Fatalf("SignOperatorEnvelope: %v", err)
	}
	if _, err := VerifyOperatorEnvelope(ctx, other, env, bundle); err == nil {
		t.Fatal("expected verification failure against the wrong key")
	}
}
