// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command runner starts the measured-build HTTP surface: a single-shot
// Builder backed by a TPM Gateway (real hardware or --simulate), serving
// the routes in spec.md §6. Grounded on cmd/rebuilder's flag-based main
// wiring (net/http.ListenAndServe driven directly off parsed flags, no
// framework).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/attestbuild/runner/internal/builder"
	"github.com/attestbuild/runner/internal/container"
	"github.com/attestbuild/runner/internal/logstream"
	"github.com/attestbuild/runner/internal/server"
	"github.com/attestbuild/runner/internal/tpm"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "address to listen on")
		workspace      = flag.String("workspace", "/mnt/workspace", "host path mounted into every build container as /mnt")
		simulate       = flag.Bool("simulate", false, "use an in-memory TPM simulation instead of a hardware device")
		tpmDevice      = flag.String("tpm-device", "", "TPM character device path (auto-detected if empty)")
		measurementPCR = flag.Int("measurement-pcr", tpm.DefaultMeasurementPCR, "PCR the event log is measured into")
		certBindingPCR = flag.Int("cert-binding-pcr", tpm.DefaultCertBindingPCR, "PCR the aTLS CA certificate is bound into")
		logBacklog     = flag.Int("log-stream-backlog", 1<<20, "bytes of build output retained per /build/status reader")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := tpm.Config{MeasurementPCR: *measurementPCR, CertBindingPCR: *certBindingPCR, Simulation: *simulate}
	var gw tpm.Gateway
	if *simulate {
		gw = tpm.NewSimGateway(cfg)
	} else {
		gw = tpm.NewRealGateway(cfg, *tpmDevice)
	}

	runner, err := container.New()
	if err != nil {
		log.Fatalf("connecting to container runtime: %v", err)
	}

	b, err := builder.New(gw, runner, *workspace, *measurementPCR)
	if err != nil {
		log.Fatalf("initializing builder: %v", err)
	}

	srv := &server.Server{
		B:              b,
		GW:             gw,
		Runner:         runner,
		Workspace:      b.Workspace(),
		MeasurementPCR: *measurementPCR,
		CertBindingPCR: *certBindingPCR,
		Streamer:       logstream.New(*logBacklog),
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Mux()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()
	log.Printf("listening on %s (simulate=%v, build=%s, workspace=%s)", *addr, *simulate, b.ID, b.Workspace())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serving: %v", err)
	}
}
