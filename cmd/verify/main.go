// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command verify checks an attestation bundle offline against a trusted
// root and an expected boot-measurement profile, grounded on
// server/server/verify.py's CLI entrypoint, re-expressed with
// github.com/spf13/cobra as the teacher's command-line library of choice.
package main

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attestbuild/runner/internal/attestation"
	"github.com/attestbuild/runner/internal/certfmt"
	"github.com/attestbuild/runner/internal/measurement"
	"github.com/attestbuild/runner/internal/tpm"
	"github.com/attestbuild/runner/internal/verifier"
)

func main() {
	var (
		bundlePath      string
		rootsPath       string
		profile         string
		allowSimulation bool
		tlsCACertPath   string
	)

	root := &cobra.Command{
		Use:   "verify",
		Short: "Verify a measured-build attestation bundle offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			bundleBytes, err := os.ReadFile(bundlePath)
			if err != nil {
				return fmt.Errorf("reading bundle: %w", err)
			}
			var bundle attestation.Bundle
			if err := json.Unmarshal(bundleBytes, &bundle); err != nil {
				return fmt.Errorf("parsing bundle: %w", err)
			}

			roots := x509.NewCertPool()
			if rootsPath != "" {
				rootBytes, err := os.ReadFile(rootsPath)
				if err != nil {
					return fmt.Errorf("reading roots: %w", err)
				}
				if strings.HasSuffix(rootsPath, ".jks") {
					roots, err = certfmt.RootsFromJKS(rootBytes, nil)
					if err != nil {
						return fmt.Errorf("reading jks truststore: %w", err)
					}
				} else if !roots.AppendCertsFromPEM(rootBytes) {
					return fmt.Errorf("no certificates parsed from %s", rootsPath)
				}
			}

			opts := verifier.Options{
				Roots:           roots,
				Profile:         measurement.Profile(profile),
				MeasurementPCR:  tpm.DefaultMeasurementPCR,
				AllowSimulation: allowSimulation,
				CertBindingPCR:  tpm.DefaultCertBindingPCR,
			}
			if tlsCACertPath != "" {
				caCert, err := os.ReadFile(tlsCACertPath)
				if err != nil {
					return fmt.Errorf("reading tls ca certificate: %w", err)
				}
				opts.TLSCACert = caCert
			}

			result, err := verifier.Verify(bundle, opts)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if result.SimulationMode {
				fmt.Println("OK (simulation mode)")
			} else {
				fmt.Println("OK")
			}
			fmt.Printf("%d events verified\n", len(result.Events))
			return nil
		},
	}

	root.Flags().StringVar(&bundlePath, "bundle", "", "path to the attestation bundle JSON file (required)")
	root.Flags().StringVar(&rootsPath, "roots", "", "path to a PEM or .jks file of trusted AK issuer roots")
	root.Flags().StringVar(&profile, "profile", string(measurement.ProfileSimQEMU), "expected boot-measurement profile")
	root.Flags().BoolVar(&allowSimulation, "allow-simulation", false, "accept simulation-mode bundles")
	root.Flags().StringVar(&tlsCACertPath, "tls-ca-cert", "", "path to the TLS CA certificate to check against the cert-binding PCR (aTLS mode)")
	_ = root.MarkFlagRequired("bundle")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
