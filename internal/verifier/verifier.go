// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package verifier performs offline verification of an attestation bundle,
// grounded on server/server/verify.py (verify_ak_cert, check_quote,
// check_event_log), adapted to pure Go: crypto/x509 in place of pyOpenSSL
// for chain validation, matching the certificate-handling idiom the
// broader corpus favors (evergreen-os-device-agent's internal/security and
// internal/enroll packages use crypto/x509 throughout), and
// google/go-attestation/attest for quote structure instead of shelling out
// to tpm2_checkquote.
package verifier

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/google/go-attestation/attest"
	"github.com/pkg/errors"

	"github.com/attestbuild/runner/internal/attestation"
	"github.com/attestbuild/runner/internal/eventlog"
	"github.com/attestbuild/runner/internal/measurement"
)

// Options configures a verification run.
type Options struct {
	// Roots is the trust anchor set the AK certificate chain must verify
	// against (e.g. the vendor's attestation root CA).
	Roots *x509.CertPool
	// Profile is the expected boot-measurement profile to check the
	// quote's PCRs 0-5 against.
	Profile measurement.Profile
	// MeasurementPCR is the PCR the event log's hash chain is replayed
	// against (matching the bundle-producer's configured value).
	MeasurementPCR int
	// AllowSimulation opts in to accepting simulation-mode bundles; by
	// default they are rejected, matching spec.md's requirement that
	// simulation mode never be silently trusted.
	AllowSimulation bool
	// TLSCACert, if set, is checked against the cert-binding PCR using
	// the original's binding semantics for the "aTLS" build mode.
	TLSCACert       []byte
	CertBindingPCR  int
}

// Result is the outcome of a successful verification.
type Result struct {
	Events         []eventlog.Event
	SimulationMode bool
}

// ErrSimulationNotAllowed is returned when a bundle has simulation_mode
// set but Options.AllowSimulation is false.
var ErrSimulationNotAllowed = errors.New("verifier: simulation-mode bundle rejected (AllowSimulation not set)")

// Verify checks bundle end to end: simulation guard, AK certificate chain,
// quote signature, boot-measurement profile, event-log replay against the
// quote's measurement PCR, and (if configured) the TLS CA binding.
func Verify(bundle attestation.Bundle, opts Options) (Result, error) {
	if bundle.RemoteAttestation.SimulationMode {
		if !opts.AllowSimulation {
			return Result{}, ErrSimulationNotAllowed
		}
		return Result{Events: bundle.EventLog, SimulationMode: true}, nil
	}

	akCert, err := verifyAKChain(bundle.RemoteAttestation.CertChain, opts.Roots)
	if err != nil {
		return Result{}, err
	}

	if err := verifyQuote(bundle, akCert); err != nil {
		return Result{}, err
	}
	pcrs := bundle.RemoteAttestation.PCRs

	if opts.Profile != "" {
		if mismatches, ok := measurement.Check(opts.Profile, pcrs); !ok {
			return Result{}, errors.Errorf("verifier: boot measurement mismatch on pcrs %v for profile %q", mismatches, opts.Profile)
		}
	}

	gotPCR, ok := pcrs[opts.MeasurementPCR]
	if !ok {
		return Result{}, errors.Errorf("verifier: quote does not cover measurement pcr %d", opts.MeasurementPCR)
	}
	if err := checkEventLog(bundle.EventLog, gotPCR); err != nil {
		return Result{}, err
	}

	if opts.TLSCACert != nil {
		if err := checkCertBinding(bundle.EventLog, pcrs, opts.CertBindingPCR, opts.TLSCACert); err != nil {
			return Result{}, err
		}
	}

	return Result{Events: bundle.EventLog}, nil
}

// verifyAKChain validates cert_chain[0] (the AK certificate) against
// cert_chain[1:] as intermediates and roots as the trust anchor, matching
// verify_ak_cert's X509Store-based chain validation.
func verifyAKChain(chain []attestation.B64Bytes, roots *x509.CertPool) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("verifier: empty certificate chain")
	}
	akCert, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, errors.Wrap(err, "parsing ak certificate")
	}
	intermediates := x509.NewCertPool()
	for _, der := range chain[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Wrap(err, "parsing intermediate certificate")
		}
		intermediates.AddCert(cert)
	}
	if _, err := akCert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, errors.Wrap(err, "verifier: invalid ak certificate chain")
	}
	return akCert, nil
}

// verifyQuote binds the quote signature, the asserted PCR values, and the
// event-log-derived nonce together via go-attestation's AKPublic.Verify,
// the Go-native counterpart to the original's tpm2_checkquote subprocess
// call. Unlike a bare signature check over the quote bytes, Verify parses
// the PCR-dump segment embedded in the signed quote and cross-checks it
// against pcrs, and checks the quote's extraData against nonce — so a
// forged pcrs map (with a matching forged event log) cannot pass
// alongside a genuine quote signature.
func verifyQuote(bundle attestation.Bundle, akCert *x509.Certificate) error {
	ra := bundle.RemoteAttestation
	if len(ra.Quote) == 0 || len(ra.Signature) == 0 {
		return errors.New("verifier: missing quote or signature")
	}
	if len(ra.PCRs) == 0 {
		return errors.New("verifier: quote carries no pcr values")
	}

	pcrs := make([]attest.PCR, 0, len(ra.PCRs))
	for idx, digestHex := range ra.PCRs {
		digest, err := hex.DecodeString(digestHex)
		if err != nil {
			return errors.Wrapf(err, "verifier: decoding pcr %d digest", idx)
		}
		pcrs = append(pcrs, attest.PCR{Index: idx, Digest: digest, DigestAlg: crypto.SHA256})
	}

	nonce, err := attestation.Nonce(bundle.EventLog)
	if err != nil {
		return err
	}

	akPub := &attest.AKPublic{Public: akCert.PublicKey}
	quote := attest.Quote{
		Version:   attest.TPMVersion(ra.Version),
		Quote:     ra.Quote,
		Signature: ra.Signature,
	}
	if err := akPub.Verify(quote, pcrs, nonce[:]); err != nil {
		return errors.Wrap(err, "verifier: quote does not verify against ak certificate, pcrs, and event-log nonce")
	}
	return nil
}

// checkEventLog replays events from an all-zero PCR and asserts the final
// value matches wantPCRHex, matching check_event_log's assertion.
func checkEventLog(events []eventlog.Event, wantPCRHex string) error {
	got, err := eventlog.Replay(events)
	if err != nil {
		return err
	}
	if hex.EncodeToString(got[:]) != wantPCRHex {
		return errors.New("verifier: event log replay does not match quoted measurement pcr")
	}
	return nil
}

// checkCertBinding verifies that the cert-binding PCR equals
// SHA256(extend-chain of a single SHA256(caCert) extension from zero),
// the build-mode replay counterpart to attestation.BindCertificate.
func checkCertBinding(events []eventlog.Event, pcrs map[int]string, pcr int, caCert []byte) error {
	got, ok := pcrs[pcr]
	if !ok {
		return errors.Errorf("verifier: quote does not cover cert-binding pcr %d", pcr)
	}
	digest := sha256.Sum256(caCert)
	var zero [32]byte
	want := sha256.Sum256(append(zero[:], digest[:]...))
	if got != hex.EncodeToString(want[:]) {
		return errors.New("verifier: tls ca certificate does not match cert-binding pcr")
	}
	return nil
}
