// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package vdec

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/orihimee/lalona-vault/internal/cryptoutil"
	"github.com/orihimee/lalona-vault/internal/faults"
	"github.com/orihimee/lalona-vault/internal/memwipe"
)

// spinSink absorbs dummy-spin results so the loops survive optimization.
var spinSink atomic.Uint64

// Hooks are the real operations a program drives. Each hook may carry
// state forward through the closure it was built from.
type Hooks struct {
	HMACVerify      func(ctx context.Context) error
	RealDecrypt     func(ctx context.Context) error
	CanaryCheck     func(ctx context.Context) error
	EphemeralDerive func(ctx context.Context) error
	DisplayMutate   func(ctx context.Context) error
}

// Executor runs programs against a set of hooks.
type Executor struct {
	Builder Builder
}

// NewExecutor returns an Executor with the randomized builder.
func NewExecutor() *Executor {
	return &Executor{Builder: RandomBuilder{}}
}

// Run builds a program, validates it, brackets it with decoy bursts and
// executes it. If any real step fails before DisplayMutate completes, the
// error is joined with ErrProgramIncomplete so callers can tell a partial
// program from a finished one. Decoy and spin failures are swallowed.
func (e *Executor) Run(ctx context.Context, h Hooks) error {
	program, err := e.Builder.Build()
	if err != nil {
		return err
	}
	if err := program.Validate(); err != nil {
		return err
	}

	decoyBurst()
	defer decoyBurst()

	mutated := false
	for _, step := range program {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step {
		case StepHMACVerify:
			err = h.HMACVerify(ctx)
		case StepRealDecrypt:
			err = h.RealDecrypt(ctx)
		case StepCanaryCheck:
			err = h.CanaryCheck(ctx)
		case StepEphemeralDerive:
			err = h.EphemeralDerive(ctx)
		case StepDisplayMutate:
			if err = h.DisplayMutate(ctx); err == nil {
				mutated = true
			}
		case StepDecoyInject:
			decoyInject()
		case StepDummySpin:
			dummySpin()
		}
		if err != nil {
			slog.Debug("decryptor program aborted", "step", step.String())
			return joinIncomplete(err)
		}
	}
	if !mutated {
		return faults.ErrProgramIncomplete
	}
	return nil
}

func joinIncomplete(err error) error {
	return &incompleteError{cause: err}
}

type incompleteError struct{ cause error }

func (e *incompleteError) Error() string {
	return faults.ErrProgramIncomplete.Error() + ": " + e.cause.Error()
}

func (e *incompleteError) Unwrap() []error {
	return []error{faults.ErrProgramIncomplete, e.cause}
}

// decoyInject fires a real AES-GCM call on a fresh random key and random
// plaintext and discards the output. To an API tracer the call is
// indistinguishable from a real decryption step. Failures are swallowed.
func decoyInject() {
	key, err := cryptoutil.RandomBytes(cryptoutil.KeySize)
	if err != nil {
		return
	}
	size, _ := randRange(64, 512)
	if size == 0 {
		size = 64
	}
	plaintext, err := cryptoutil.RandomBytes(size)
	if err != nil {
		memwipe.Wipe(key)
		return
	}
	blob, err := cryptoutil.EncryptGCM(key, plaintext, nil)
	if err == nil && len(blob) > 0 {
		spinSink.Add(uint64(blob[0]))
	}
	memwipe.Wipe(plaintext)
	memwipe.Wipe(key)
	memwipe.Wipe(blob)
}

// dummySpin burns a randomized amount of CPU through the volatile sink to
// flatten the timing profile of the surrounding real steps.
func dummySpin() {
	iters, err := rand.Int(rand.Reader, big.NewInt(40_000))
	if err != nil {
		return
	}
	n := 10_000 + iters.Uint64()
	var acc uint64
	for i := uint64(0); i < n; i++ {
		acc = acc*6364136223846793005 + i
	}
	spinSink.Add(acc)
}

// decoyBurst fires a short pre/post-flight run of decoys.
func decoyBurst() {
	n, err := randRange(1, 3)
	if err != nil {
		n = 1
	}
	for i := 0; i < n; i++ {
		decoyInject()
	}
}
