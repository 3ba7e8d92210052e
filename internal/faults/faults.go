// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package faults defines the sentinel errors shared across the vault core.
// Callers classify failures with errors.Is; no error in this package ever
// carries key material, IVs, or plaintext in its message.
package faults

import "errors"

var (
	// ErrIntegrity is returned when the HMAC over a stored ciphertext does
	// not match the recorded value.
	ErrIntegrity = errors.New("fragment integrity check failed")

	// ErrAuth is returned on an AES-GCM authentication tag mismatch.
	ErrAuth = errors.New("ciphertext authentication failed")

	// ErrSubstitution is returned when a fragment's recorded associated
	// data does not match its claimed identity.
	ErrSubstitution = errors.New("fragment substitution detected")

	// ErrCanary is returned when the interior sentinel bytes of a decrypted
	// fragment do not match the derived expectation.
	ErrCanary = errors.New("fragment canary mismatch")

	// ErrUnwrap is returned when a wrapped chapter key fails to open.
	// Treated as version skew or envelope corruption, not as a violation.
	ErrUnwrap = errors.New("chapter key unwrap failed")

	// ErrProgramIncomplete is returned when a decryptor program terminates
	// before its display-mutation step.
	ErrProgramIncomplete = errors.New("decryptor program incomplete")

	// ErrProgramPrecondition is returned when a decryptor program violates
	// the ordering constraints of its real steps.
	ErrProgramPrecondition = errors.New("decryptor program precondition violated")

	// ErrSaltMissing is returned when the device salt is absent from the
	// credential store.
	ErrSaltMissing = errors.New("device salt missing")

	// ErrUserIDMissing is returned when no user id is available for root
	// key derivation.
	ErrUserIDMissing = errors.New("user id missing")

	// ErrEnvironmentUnsafe is returned when the integrity guard or the
	// live-instrumentation detector reports a positive.
	ErrEnvironmentUnsafe = errors.New("environment unsafe")
)
