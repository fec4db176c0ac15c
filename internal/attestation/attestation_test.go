// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package attestation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/attestbuild/runner/internal/eventlog"
	"github.com/attestbuild/runner/internal/tpm"
)

func TestB64BytesRoundTrip(t *testing.T) {
	want := B64Bytes("hello attestation")
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(data); got != `{"base64":"aGVsbG8gYXR0ZXN0YXRpb24="}` {
		t.Errorf("Marshal() = %s", got)
	}
	var got B64Bytes
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("round trip = %q, want %q", got, want)
	}
}

func TestAssembleSimulationMode(t *testing.T) {
	gw := tpm.NewSimGateway(tpm.Config{})
	events := []eventlog.Event{{Type: "build_request"}}
	bundle, err := Assemble(context.Background(), gw, events, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bundle.RemoteAttestation.SimulationMode {
		t.Error("expected SimulationMode true for a SimGateway")
	}
	if bundle.RemoteAttestation.Quote != nil || bundle.RemoteAttestation.Signature != nil {
		t.Error("simulation-mode bundle must not carry quote or signature")
	}
}

func TestBindCertificateIdempotenceGuard(t *testing.T) {
	gw := tpm.NewSimGateway(tpm.Config{})
	ctx := context.Background()
	caCert := []byte("fake ca certificate bytes")

	if err := BindCertificate(ctx, gw, 15, caCert); err != nil {
		t.Fatalf("first BindCertificate: %v", err)
	}
	if err := BindCertificate(ctx, gw, 15, caCert); err == nil {
		t.Fatal("second BindCertificate on an already-extended pcr must fail")
	}
}
