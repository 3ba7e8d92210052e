// SPDX-FileCopyrightText: (C) 2025 Lalona Authors
// SPDX-License-Identifier: Apache 2.0

package fragment

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// MinSize is the smallest fragment the splitter produces, except for
	// the tail of an input smaller than MinSize.
	MinSize = 50 * 1024
	// MaxSize is the exclusive upper bound on fragment size.
	MaxSize = 200 * 1024
)

// Raw is one plaintext slice of a source image. It exists only transiently
// during ingest; the bytes alias the caller's input.
type Raw struct {
	Index int
	Bytes []byte
}

// Split cuts data into contiguous, non-overlapping fragments covering the
// whole input. Sizes are drawn uniformly from [MinSize, MaxSize), clamped
// by the remaining bytes for the tail. A zero-length input yields no
// fragments; an input under MinSize yields a single one.
func Split(data []byte) ([]Raw, error) {
	var frags []Raw
	for off, idx := 0, 0; off < len(data); idx++ {
		size, err := randSize()
		if err != nil {
			return nil, err
		}
		if rem := len(data) - off; size > rem {
			size = rem
		}
		frags = append(frags, Raw{Index: idx, Bytes: data[off : off+size]})
		off += size
	}
	return frags, nil
}

func randSize() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxSize-MinSize))
	if err != nil {
		return 0, fmt.Errorf("fragment: size draw: %w", err)
	}
	return MinSize + int(n.Int64()), nil
}
