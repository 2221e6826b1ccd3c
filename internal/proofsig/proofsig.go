// Package proofsig verifies the validator signatures carried on a
// types.LedgerProof against a known validator set, requiring a 2/3+1
// quorum before a proof is trusted.
//
// spec.md treats signature scheme design as a Non-goal ("signatures are
// primitives"), and neither it nor the filtered original_source/ defines a
// validator-set or quorum-certificate wire format, so the quorum rule here
// is grounded directly on the teacher's pkg/proof/attestation.go
// AttestationConfig/QuorumStatus convention: a fixed 2/3+1 threshold over a
// known validator list, rather than an invented stake-weighted scheme.
package proofsig

import (
	"encoding/hex"
	"fmt"

	"github.com/ledgerstate/statemanager/internal/bls"
	"github.com/ledgerstate/statemanager/internal/codec"
	"github.com/ledgerstate/statemanager/internal/types"
)

// Validator is one member of a known validator set: an identity and the
// BLS public key that set was registered with.
type Validator struct {
	ID        string
	PublicKey *bls.PublicKey
}

// ValidatorSet is the ordered list of validators whose signatures a
// LedgerProof is checked against. types.LedgerProof.Signatures is
// index-aligned with Validators: Signatures[i], if non-empty, is
// Validators[i]'s signature over the proof header.
type ValidatorSet struct {
	Validators []Validator
}

// RequiredQuorum computes the 2/3+1 validator quorum for a set of size
// total, per the teacher's AttestationConfig.QuorumThreshold convention
// (default 2/3, plus one).
func RequiredQuorum(total int) int {
	return total*2/3 + 1
}

// QuorumStatus reports how many of a proof's signatures verified, and
// whether that meets RequiredQuorum.
type QuorumStatus struct {
	TotalValidators int
	RequiredQuorum  int
	ValidCount      int
	QuorumReached   bool
	InvalidIndices  []int
}

func headerDomain(origin types.LedgerProofOriginKind) string {
	switch origin {
	case types.OriginProtocolUpdate:
		return bls.DomainProtocolUpdate
	default:
		return bls.DomainLedgerProof
	}
}

func headerMessage(header types.LedgerHeader) ([]byte, error) {
	return codec.EncodeJSON(header)
}

// VerifyProof checks proof.Signatures against set, returning the resulting
// QuorumStatus. It never returns an error for an individual bad or missing
// signature — those just fail to count toward quorum; Err is returned only
// for a structural problem (message encoding failure) that prevents
// verification entirely.
func VerifyProof(proof types.LedgerProof, set ValidatorSet) (QuorumStatus, error) {
	status := QuorumStatus{
		TotalValidators: len(set.Validators),
		RequiredQuorum:  RequiredQuorum(len(set.Validators)),
	}
	if len(set.Validators) == 0 {
		return status, fmt.Errorf("proofsig: empty validator set")
	}

	msg, err := headerMessage(proof.Header)
	if err != nil {
		return status, fmt.Errorf("proofsig: encode header: %w", err)
	}
	domain := headerDomain(proof.Origin.Kind)

	for i, v := range set.Validators {
		if i >= len(proof.Signatures) {
			status.InvalidIndices = append(status.InvalidIndices, i)
			continue
		}
		raw := proof.Signatures[i]
		if len(raw) == 0 {
			status.InvalidIndices = append(status.InvalidIndices, i)
			continue
		}
		sig, err := bls.SignatureFromBytes(raw)
		if err != nil || v.PublicKey == nil || !v.PublicKey.VerifyWithDomain(sig, msg, domain) {
			status.InvalidIndices = append(status.InvalidIndices, i)
			continue
		}
		status.ValidCount++
	}

	status.QuorumReached = status.ValidCount >= status.RequiredQuorum
	return status, nil
}

// VerifyProofOrQuorumError is VerifyProof plus the convenience of turning a
// missed quorum into an error, for callers (e.g. commit-time proof
// acceptance) that only care about pass/fail.
func VerifyProofOrQuorumError(proof types.LedgerProof, set ValidatorSet) error {
	status, err := VerifyProof(proof, set)
	if err != nil {
		return err
	}
	if !status.QuorumReached {
		return fmt.Errorf("proofsig: quorum not reached: %d/%d valid signatures, need %d",
			status.ValidCount, status.TotalValidators, status.RequiredQuorum)
	}
	return nil
}

// SignProof produces sk's signature over proof.Header for slot index idx
// of a ValidatorSet-sized Signatures slice, growing sigs as needed. It is
// the validator-side counterpart to VerifyProof, used by tests and by any
// future validator-node signer.
func SignProof(sigs [][]byte, idx int, header types.LedgerHeader, origin types.LedgerProofOriginKind, sk *bls.PrivateKey) ([][]byte, error) {
	msg, err := headerMessage(header)
	if err != nil {
		return nil, fmt.Errorf("proofsig: encode header: %w", err)
	}
	for len(sigs) <= idx {
		sigs = append(sigs, nil)
	}
	sigs[idx] = sk.SignWithDomain(msg, headerDomain(origin)).Bytes()
	return sigs, nil
}

// ValidatorIDHex renders a validator's public key as a stable hex ID, used
// where ValidatorSet members need a deterministic identity string (e.g.
// config loading, logging) beyond the human-assigned Validator.ID.
func ValidatorIDHex(pk *bls.PublicKey) string {
	return hex.EncodeToString(pk.Bytes())
}
