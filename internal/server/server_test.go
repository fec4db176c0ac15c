// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/attestbuild/runner/internal/builder"
	"github.com/attestbuild/runner/internal/container"
	"github.com/attestbuild/runner/internal/logstream"
	"github.com/attestbuild/runner/internal/tpm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw := tpm.NewSimGateway(tpm.Config{MeasurementPCR: 16, CertBindingPCR: 17})
	runner, err := container.New()
	if err != nil {
		t.Fatalf("container.New: %v", err)
	}
	b, err := builder.New(gw, runner, t.TempDir(), 16)
	if err != nil {
		t.Fatalf("builder.New: %v", err)
	}
	return &Server{
		B:              b,
		GW:             gw,
		Runner:         runner,
		Workspace:      b.Workspace(),
		MeasurementPCR: 16,
		CertBindingPCR: 17,
		Streamer:       logstream.New(1 << 16),
	}
}

func TestHandleAttestationNotDoneYet(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attestation", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestHandleSubmitServeBeforeSucceeded(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit_serve", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleSubmitBuildAccepted(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(buildRequestWire{
		Image:      "debian:bookworm-slim",
		Command:    "echo hello > out.txt",
		OutputGlob: "*.txt",
	})
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit_build", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestHandleSubmitBuildTwiceConflicts(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(buildRequestWire{Image: "debian:bookworm-slim", Command: "true"})
	mux := s.Mux()

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/submit_build", bytes.NewReader(body)))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want %d", first.Code, http.StatusAccepted)
	}

	second := httptest.NewRecorder()
	mux.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/submit_build", bytes.NewReader(body)))
	if second.Code != http.StatusConflict {
		t.Errorf("second submit status = %d, want %d", second.Code, http.StatusConflict)
	}
}

func TestHandleAxolotlConfigurationThenFinetune(t *testing.T) {
	s := newTestServer(t)
	mux := s.Mux()

	cfgBody := []byte(`
base_model: meta-llama/Llama-3.1-8B@main
datasets:
  - path: tatsu-lab/alpaca@v1
    type: alpaca
`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/axolotl/configuration", bytes.NewReader(cfgBody)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("configuration status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	again := httptest.NewRecorder()
	mux.ServeHTTP(again, httptest.NewRequest(http.MethodPost, "/axolotl/configuration", bytes.NewReader(cfgBody)))
	if again.Code != http.StatusNotAcceptable {
		t.Errorf("re-registration status = %d, want %d", again.Code, http.StatusNotAcceptable)
	}

	finetune := httptest.NewRecorder()
	mux.ServeHTTP(finetune, httptest.NewRequest(http.MethodPost, "/finetune", nil))
	if finetune.Code != http.StatusAccepted {
		t.Errorf("finetune status = %d, want %d; body=%s", finetune.Code, http.StatusAccepted, finetune.Body.String())
	}
}

func TestHandleFinetuneWithoutConfigurationFails(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/finetune", nil))
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusPreconditionFailed)
	}
}

func TestHandleAxolotlConfigurationRejectsInvalid(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/axolotl/configuration", strings.NewReader("not: valid: yaml: [")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if s.axolotl != nil {
		t.Error("invalid configuration must not be registered")
	}
}

func TestHandleATLSBindsAndAssembles(t *testing.T) {
	s := newTestServer(t)
	caCert := []byte("fake ca certificate bytes")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/aTLS", bytes.NewReader(caCert)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var bundle struct {
		RemoteAttestation struct {
			SimulationMode bool `json:"simulation_mode"`
		} `json:"remote_attestation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}

	second := httptest.NewRecorder()
	s.Mux().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/aTLS", bytes.NewReader(caCert)))
	if second.Code == http.StatusOK {
		t.Error("a second /aTLS bind on the same pcr must not silently succeed")
	}
}

func TestHandleOutputsListAndGet(t *testing.T) {
	s := newTestServer(t)
	if err := os.WriteFile(filepath.Join(s.Workspace, "result.bin"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("writing fixture output: %v", err)
	}

	listRec := httptest.NewRecorder()
	s.Mux().ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/outputs?pattern=*.bin", nil))
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", listRec.Code, http.StatusOK)
	}
	var entries []outputEntry
	if err := json.Unmarshal(listRec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "result.bin" {
		t.Errorf("entries = %+v, want one entry for result.bin", entries)
	}

	getRec := httptest.NewRecorder()
	s.Mux().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/outputs/result.bin", nil))
	if getRec.Code != http.StatusOK || getRec.Body.String() != "payload" {
		t.Errorf("get status=%d body=%q, want 200 and %q", getRec.Code, getRec.Body.String(), "payload")
	}

	// Call the handler directly rather than through Mux(): net/http's
	// ServeMux would otherwise clean a literal ".." out of the URL path
	// before handleOutputsGet ever saw it, masking the guard under test.
	traversalReq := httptest.NewRequest(http.MethodGet, "/outputs/x", nil)
	traversalReq.URL.Path = "/outputs/../etc/passwd"
	traversalRec := httptest.NewRecorder()
	s.handleOutputsGet(traversalRec, traversalReq)
	if traversalRec.Code != http.StatusForbidden {
		t.Errorf("path traversal attempt status = %d, want %d", traversalRec.Code, http.StatusForbidden)
	}
}
