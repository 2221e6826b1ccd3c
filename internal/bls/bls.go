// Package bls wraps BLS12-381 signatures (github.com/consensys/gnark-crypto)
// for validator attestations over LedgerProof headers: key generation,
// signing, single and aggregate verification, and the subgroup checks a
// validator-signed proof needs before it is trusted.
//
// Adapted from the teacher's pkg/crypto/bls/bls.go; domain separation tags
// are renamed for this system's message kinds but the curve operations and
// API shape are unchanged.
package bls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

var (
	initOnce sync.Once

	g1Gen bls12381.G1Affine
	g2Gen bls12381.G2Affine
)

// Domain separation tags, one per kind of message a validator signs.
const (
	DomainLedgerProof     = "STATEMANAGER_LEDGER_PROOF_V1"
	DomainEpochBoundary   = "STATEMANAGER_EPOCH_BOUNDARY_V1"
	DomainProtocolUpdate  = "STATEMANAGER_PROTOCOL_UPDATE_V1"
)

const (
	PrivateKeySize = 32 // scalar in Fr
	PublicKeySize  = 96 // G2 point, compressed
	SignatureSize  = 48 // G1 point, compressed
)

// Initialize loads the curve's generator points. Safe to call repeatedly;
// every exported constructor calls it, so callers never need to.
func Initialize() error {
	initOnce.Do(func() {
		_, _, g1GenPoint, g2GenPoint := bls12381.Generators()
		g1Gen = g1GenPoint
		g2Gen = g2GenPoint
	})
	return nil
}

// PrivateKey is a validator's BLS secret scalar.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is a validator's BLS public key, a point on G2.
type PublicKey struct {
	point bls12381.G2Affine
}

// Signature is a BLS signature, a point on G1.
type Signature struct {
	point bls12381.G1Affine
}

// GenerateKeyPair draws a fresh key pair from a secure random source.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	Initialize()
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("bls: generate random scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// GenerateKeyPairFromSeed derives a deterministic key pair from seed,
// for tests and key recovery.
func GenerateKeyPairFromSeed(seed []byte) (*PrivateKey, *PublicKey, error) {
	Initialize()
	if len(seed) < 32 {
		return nil, nil, errors.New("bls: seed must be at least 32 bytes")
	}
	hash := sha256.Sum256(seed)
	var sk fr.Element
	sk.SetBytes(hash[:])
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	Initialize()
	if len(data) != PrivateKeySize {
		return nil, fmt.Errorf("bls: invalid private key size: got %d, want %d", len(data), PrivateKeySize)
	}
	var sk fr.Element
	sk.SetBytes(data)
	return &PrivateKey{scalar: sk}, nil
}

func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bls: decode hex: %w", err)
	}
	return PrivateKeyFromBytes(data)
}

func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	Initialize()
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls: deserialize public key: %w", err)
	}
	return &PublicKey{point: pk}, nil
}

func PublicKeyFromHex(s string) (*PublicKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bls: decode hex: %w", err)
	}
	return PublicKeyFromBytes(data)
}

func SignatureFromBytes(data []byte) (*Signature, error) {
	Initialize()
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(data); err != nil {
		return nil, fmt.Errorf("bls: deserialize signature: %w", err)
	}
	return &Signature{point: sig}, nil
}

func SignatureFromHex(s string) (*Signature, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bls: decode hex: %w", err)
	}
	return SignatureFromBytes(data)
}

func (sk *PrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

func (sk *PrivateKey) Hex() string { return hex.EncodeToString(sk.Bytes()) }

// PublicKey derives pk = sk * G2.
func (sk *PrivateKey) PublicKey() *PublicKey {
	var pk bls12381.G2Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	pk.ScalarMultiplication(&g2Gen, &skBig)
	return &PublicKey{point: pk}
}

// Sign computes sig = sk * H(message).
func (sk *PrivateKey) Sign(message []byte) *Signature {
	h := hashToG1(message)
	var sig bls12381.G1Affine
	var skBig big.Int
	sk.scalar.BigInt(&skBig)
	sig.ScalarMultiplication(&h, &skBig)
	return &Signature{point: sig}
}

// SignWithDomain signs H(domain || message), so signatures over one kind of
// content can never be replayed as another.
func (sk *PrivateKey) SignWithDomain(message []byte, domain string) *Signature {
	return sk.Sign(computeDomainMessage(domain, message))
}

func (pk *PublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

func (pk *PublicKey) Hex() string { return hex.EncodeToString(pk.Bytes()) }

// Verify checks e(sig, G2) == e(H(message), pk) via a pairing check.
func (pk *PublicKey) Verify(sig *Signature, message []byte) bool {
	h := hashToG1(message)
	var negPk bls12381.G2Affine
	negPk.Neg(&pk.point)
	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig.point, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	return err == nil && ok
}

func (pk *PublicKey) VerifyWithDomain(sig *Signature, message []byte, domain string) bool {
	return pk.Verify(sig, computeDomainMessage(domain, message))
}

func (pk *PublicKey) Equal(other *PublicKey) bool { return pk.point.Equal(&other.point) }

func (sig *Signature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

func (sig *Signature) Hex() string { return hex.EncodeToString(sig.Bytes()) }

// AggregateSignatures sums signatures on G1. Callers must already know all
// signers signed the same message (or use VerifyAggregateSignature, which
// checks that via an aggregated public key).
func AggregateSignatures(signatures []*Signature) (*Signature, error) {
	Initialize()
	if len(signatures) == 0 {
		return nil, errors.New("bls: no signatures to aggregate")
	}
	var agg bls12381.G1Jac
	agg.FromAffine(&signatures[0].point)
	for _, s := range signatures[1:] {
		var jac bls12381.G1Jac
		jac.FromAffine(&s.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G1Affine
	result.FromJacobian(&agg)
	return &Signature{point: result}, nil
}

// AggregatePublicKeys sums public keys on G2.
func AggregatePublicKeys(publicKeys []*PublicKey) (*PublicKey, error) {
	Initialize()
	if len(publicKeys) == 0 {
		return nil, errors.New("bls: no public keys to aggregate")
	}
	var agg bls12381.G2Jac
	agg.FromAffine(&publicKeys[0].point)
	for _, pk := range publicKeys[1:] {
		var jac bls12381.G2Jac
		jac.FromAffine(&pk.point)
		agg.AddAssign(&jac)
	}
	var result bls12381.G2Affine
	result.FromJacobian(&agg)
	return &PublicKey{point: result}, nil
}

// VerifyAggregateSignature verifies aggSig against the aggregate of
// publicKeys, all of whom must have signed the same message.
func VerifyAggregateSignature(aggSig *Signature, publicKeys []*PublicKey, message []byte) bool {
	if len(publicKeys) == 0 {
		return false
	}
	aggPk, err := AggregatePublicKeys(publicKeys)
	if err != nil {
		return false
	}
	return aggPk.Verify(aggSig, message)
}

func VerifyAggregateSignatureWithDomain(aggSig *Signature, publicKeys []*PublicKey, message []byte, domain string) bool {
	return VerifyAggregateSignature(aggSig, publicKeys, computeDomainMessage(domain, message))
}

// hashToG1 hashes message to a point on G1 by repeated rehash-and-try.
func hashToG1(message []byte) bls12381.G1Affine {
	h := sha256.New()
	h.Write([]byte("STATEMANAGER_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_"))
	h.Write(message)

	var counter uint64
	for {
		h2 := sha256.New()
		h2.Write(h.Sum(nil))
		binary.Write(h2, binary.BigEndian, counter)
		hash := h2.Sum(nil)

		var point bls12381.G1Affine
		if _, err := point.SetBytes(hash); err == nil && !point.IsInfinity() {
			return point
		}

		var scalar fr.Element
		scalar.SetBytes(hash)
		var scalarBig big.Int
		scalar.BigInt(&scalarBig)

		var result bls12381.G1Affine
		result.ScalarMultiplication(&g1Gen, &scalarBig)
		if !result.IsInfinity() {
			return result
		}
		counter++
		if counter > 1000 {
			return g1Gen
		}
	}
}

func computeDomainMessage(domain string, message []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(message)
	return h.Sum(nil)
}

// ValidateBLSPublicKeySubgroup rejects malformed, infinity, or
// wrong-subgroup public keys before they are trusted in a validator set —
// the defense against rogue-key attacks on aggregate signatures.
func ValidateBLSPublicKeySubgroup(pubKeyBytes []byte) error {
	Initialize()
	if len(pubKeyBytes) != PublicKeySize {
		return fmt.Errorf("bls: invalid public key size: got %d, want %d", len(pubKeyBytes), PublicKeySize)
	}
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(pubKeyBytes); err != nil {
		return fmt.Errorf("bls: invalid public key encoding: %w", err)
	}
	if !pk.IsOnCurve() {
		return errors.New("bls: public key not on G2 curve")
	}
	if pk.IsInfinity() {
		return errors.New("bls: public key is identity point")
	}
	if !pk.IsInSubGroup() {
		return errors.New("bls: public key not in correct G2 subgroup")
	}
	return nil
}

// ValidateBLSSignatureSubgroup rejects malformed, infinity, or
// wrong-subgroup signatures.
func ValidateBLSSignatureSubgroup(sigBytes []byte) error {
	Initialize()
	if len(sigBytes) != SignatureSize {
		return fmt.Errorf("bls: invalid signature size: got %d, want %d", len(sigBytes), SignatureSize)
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(sigBytes); err != nil {
		return fmt.Errorf("bls: invalid signature encoding: %w", err)
	}
	if !sig.IsOnCurve() {
		return errors.New("bls: signature not on G1 curve")
	}
	if sig.IsInfinity() {
		return errors.New("bls: signature is identity point")
	}
	if !sig.IsInSubGroup() {
		return errors.New("bls: signature not in correct G1 subgroup")
	}
	return nil
}

func (pk *PublicKey) IsValid() bool {
	if pk == nil {
		return false
	}
	return pk.point.IsOnCurve() && !pk.point.IsInfinity() && pk.point.IsInSubGroup()
}

func (sig *Signature) IsValid() bool {
	if sig == nil {
		return false
	}
	return sig.point.IsOnCurve() && !sig.point.IsInfinity() && sig.point.IsInSubGroup()
}
