// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

// Package vdec builds and runs the randomized decryptor program. A program
// is data — an ordered list of step tags — so building and executing are
// separable: tests substitute a deterministic builder, production uses the
// randomized one.
package vdec

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/orihimee/lalona-vault/internal/faults"
)

// Step is one abstract operation of a decryptor program.
type Step int

const (
	StepHMACVerify Step = iota
	StepRealDecrypt
	StepCanaryCheck
	StepEphemeralDerive
	StepDisplayMutate
	StepDecoyInject
	StepDummySpin
)

func (s Step) String() string {
	switch s {
	case StepHMACVerify:
		return "hmac-verify"
	case StepRealDecrypt:
		return "real-decrypt"
	case StepCanaryCheck:
		return "canary-check"
	case StepEphemeralDerive:
		return "ephemeral-derive"
	case StepDisplayMutate:
		return "display-mutate"
	case StepDecoyInject:
		return "decoy-inject"
	case StepDummySpin:
		return "dummy-spin"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// realOrder is the mandatory relative order of the five real steps.
var realOrder = []Step{
	StepHMACVerify,
	StepRealDecrypt,
	StepCanaryCheck,
	StepEphemeralDerive,
	StepDisplayMutate,
}

// Program is an ordered list of steps.
type Program []Step

// Validate checks the topological constraint: the five real steps appear
// exactly once each, in their declared order. Decoys and spins are free.
func (p Program) Validate() error {
	want := 0
	for _, s := range p {
		switch s {
		case StepDecoyInject, StepDummySpin:
			continue
		default:
			if want >= len(realOrder) || s != realOrder[want] {
				return faults.ErrProgramPrecondition
			}
			want++
		}
	}
	if want != len(realOrder) {
		return faults.ErrProgramPrecondition
	}
	return nil
}

// Builder produces a Program.
type Builder interface {
	Build() (Program, error)
}

// RandomBuilder inserts 2–4 decoys and 1–3 spins at uniformly random
// positions among the real sequence.
type RandomBuilder struct{}

// Build implements Builder.
func (RandomBuilder) Build() (Program, error) {
	decoys, err := randRange(2, 4)
	if err != nil {
		return nil, err
	}
	spins, err := randRange(1, 3)
	if err != nil {
		return nil, err
	}

	p := make(Program, len(realOrder))
	copy(p, realOrder)
	noise := make([]Step, 0, decoys+spins)
	for i := 0; i < decoys; i++ {
		noise = append(noise, StepDecoyInject)
	}
	for i := 0; i < spins; i++ {
		noise = append(noise, StepDummySpin)
	}
	for _, s := range noise {
		pos, err := randRange(0, len(p))
		if err != nil {
			return nil, err
		}
		p = append(p[:pos], append(Program{s}, p[pos:]...)...)
	}
	return p, nil
}

// FixedBuilder returns its program verbatim; used in tests.
type FixedBuilder Program

// Build implements Builder.
func (b FixedBuilder) Build() (Program, error) {
	return Program(b), nil
}

func randRange(lo, hi int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		return 0, fmt.Errorf("vdec: random draw: %w", err)
	}
	return lo + int(n.Int64()), nil
}
