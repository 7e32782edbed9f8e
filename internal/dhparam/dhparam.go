/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

// Package dhparam generates and persists the Diffie-Hellman parameters
// the MMTP transport binds into its TLS context.
package dhparam

import (
	"crypto/rand"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
)

// Params is a DH (p, g) parameter pair.
type Params struct {
	P *big.Int
	G *big.Int
}

// asn1Params is the DER shape OpenSSL's "DH PARAMETERS" PEM block uses:
// SEQUENCE { p INTEGER, g INTEGER }.
type asn1Params struct {
	P *big.Int
	G *big.Int
}

// Load reads persisted DH parameters from path, generating and persisting a
// fresh bits-sized pair if the file doesn't exist yet.
func Load(path string, bits int) (*Params, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parsePEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	slog.Info("generating DH parameters, this may take a while", "bits", bits, "path", path)

	params, err := Generate(bits)
	if err != nil {
		return nil, fmt.Errorf("generate DH parameters: %w", err)
	}

	if err := params.Save(path); err != nil {
		return nil, err
	}

	return params, nil
}

func parsePEM(data []byte) (*Params, error) {
	blk, _ := pem.Decode(data)
	if blk == nil {
		return nil, fmt.Errorf("decode PEM DH parameters")
	}

	var p asn1Params
	if _, err := asn1.Unmarshal(blk.Bytes, &p); err != nil {
		return nil, fmt.Errorf("parse DH parameters: %w", err)
	}

	return &Params{P: p.P, G: p.G}, nil
}

// Save persists params as a PEM "DH PARAMETERS" block.
func (p *Params) Save(path string) error {
	der, err := asn1.Marshal(asn1Params{P: p.P, G: p.G})
	if err != nil {
		return fmt.Errorf("marshal DH parameters: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	blk := &pem.Block{Type: "DH PARAMETERS", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(blk), 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// Generate produces a new safe-prime (p, g) pair: p = 2q+1 with both p
// and q prime, and g = 2. Expensive; callers should run it off the hot
// path and persist the result.
func Generate(bits int) (*Params, error) {
	if bits < 2048 {
		slog.Warn("DH parameter size below the recommended modern minimum", "bits", bits)
	}

	for {
		q, err := rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, err
		}

		p := new(big.Int).Lsh(q, 1)
		p.Add(p, big.NewInt(1))

		if p.ProbablyPrime(20) {
			return &Params{P: p, G: big.NewInt(2)}, nil
		}
	}
}
