package bls

import "testing"

func TestSignAndVerify(t *testing.T) {
	sk, pk, err := GenerateKeyPairFromSeed([]byte("validator-seed-00000000000000001"))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	msg := []byte("ledger-proof-header-bytes")
	sig := sk.SignWithDomain(msg, DomainLedgerProof)
	if !pk.VerifyWithDomain(sig, msg, DomainLedgerProof) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyRejectsWrongDomain(t *testing.T) {
	sk, pk, err := GenerateKeyPairFromSeed([]byte("validator-seed-00000000000000002"))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	msg := []byte("some header bytes")
	sig := sk.SignWithDomain(msg, DomainLedgerProof)
	if pk.VerifyWithDomain(sig, msg, DomainEpochBoundary) {
		t.Fatalf("expected signature over one domain to fail verification under another")
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	sk, pk, err := GenerateKeyPairFromSeed([]byte("validator-seed-00000000000000003"))
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	sig := sk.SignWithDomain([]byte("original"), DomainLedgerProof)
	if pk.VerifyWithDomain(sig, []byte("tampered"), DomainLedgerProof) {
		t.Fatalf("expected signature to fail against a different message")
	}
}

func TestAggregateSignaturesAndKeys(t *testing.T) {
	const n = 4
	msg := []byte("epoch-boundary-header")
	var sigs []*Signature
	var pubs []*PublicKey
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		sk, pk, err := GenerateKeyPairFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key pair %d: %v", i, err)
		}
		sigs = append(sigs, sk.SignWithDomain(msg, DomainEpochBoundary))
		pubs = append(pubs, pk)
	}

	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate signatures: %v", err)
	}
	if !VerifyAggregateSignatureWithDomain(aggSig, pubs, msg, DomainEpochBoundary) {
		t.Fatalf("expected aggregate signature to verify")
	}
}

func TestAggregateVerificationFailsIfOneSignerDiffered(t *testing.T) {
	msg := []byte("round-update")
	sk1, pk1, _ := GenerateKeyPairFromSeed([]byte("validator-seed-00000000000000011"))
	sk2, pk2, _ := GenerateKeyPairFromSeed([]byte("validator-seed-00000000000000012"))

	sig1 := sk1.SignWithDomain(msg, DomainLedgerProof)
	sig2 := sk2.SignWithDomain([]byte("a different message"), DomainLedgerProof)

	aggSig, err := AggregateSignatures([]*Signature{sig1, sig2})
	if err != nil {
		t.Fatalf("aggregate signatures: %v", err)
	}
	if VerifyAggregateSignatureWithDomain(aggSig, []*PublicKey{pk1, pk2}, msg, DomainLedgerProof) {
		t.Fatalf("expected aggregate verification to fail when a signer signed a different message")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	sk, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	sk2, err := PrivateKeyFromBytes(sk.Bytes())
	if err != nil {
		t.Fatalf("private key round trip: %v", err)
	}
	if sk2.Hex() != sk.Hex() {
		t.Fatalf("private key round trip mismatch")
	}
	pk2, err := PublicKeyFromBytes(pk.Bytes())
	if err != nil {
		t.Fatalf("public key round trip: %v", err)
	}
	if !pk2.Equal(pk) {
		t.Fatalf("public key round trip mismatch")
	}

	msg := []byte("round trip message")
	sig := sk.Sign(msg)
	sig2, err := SignatureFromBytes(sig.Bytes())
	if err != nil {
		t.Fatalf("signature round trip: %v", err)
	}
	if !pk.Verify(sig2, msg) {
		t.Fatalf("round-tripped signature should still verify")
	}
}

func TestValidateSubgroupRejectsBadInput(t *testing.T) {
	if err := ValidateBLSPublicKeySubgroup(make([]byte, PublicKeySize-1)); err == nil {
		t.Fatalf("expected size error for short public key")
	}
	if err := ValidateBLSSignatureSubgroup(make([]byte, SignatureSize-1)); err == nil {
		t.Fatalf("expected size error for short signature")
	}

	_, pk, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if err := ValidateBLSPublicKeySubgroup(pk.Bytes()); err != nil {
		t.Fatalf("expected generated public key to validate: %v", err)
	}
}
