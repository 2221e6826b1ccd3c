package proofsig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerstate/statemanager/internal/bls"
	"github.com/ledgerstate/statemanager/internal/types"
)

func buildSet(t *testing.T, n int) (ValidatorSet, []*bls.PrivateKey) {
	t.Helper()
	var set ValidatorSet
	var sks []*bls.PrivateKey
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		sk, pk, err := bls.GenerateKeyPairFromSeed(seed)
		require.NoError(t, err)
		sks = append(sks, sk)
		set.Validators = append(set.Validators, Validator{ID: ValidatorIDHex(pk)[:8], PublicKey: pk})
	}
	return set, sks
}

func sampleHeader() types.LedgerHeader {
	return types.LedgerHeader{
		Epoch:        5,
		Round:        12,
		StateVersion: 100,
		Hashes:       types.LedgerHashes{},
	}
}

func TestRequiredQuorum(t *testing.T) {
	require.Equal(t, 1, RequiredQuorum(0))
	require.Equal(t, 1, RequiredQuorum(1))
	require.Equal(t, 3, RequiredQuorum(4))
	require.Equal(t, 7, RequiredQuorum(9))
}

func TestVerifyProofReachesQuorumWithEnoughValidSignatures(t *testing.T) {
	set, sks := buildSet(t, 4)
	header := sampleHeader()
	proof := types.LedgerProof{Header: header}

	var err error
	for i := 0; i < 3; i++ {
		proof.Signatures, err = SignProof(proof.Signatures, i, header, proof.Origin.Kind, sks[i])
		require.NoError(t, err)
	}

	status, err := VerifyProof(proof, set)
	require.NoError(t, err)
	require.Equal(t, 3, status.ValidCount)
	require.True(t, status.QuorumReached)
	require.NoError(t, VerifyProofOrQuorumError(proof, set))
}

func TestVerifyProofMissesQuorumWithTooFewSignatures(t *testing.T) {
	set, sks := buildSet(t, 4)
	header := sampleHeader()
	proof := types.LedgerProof{Header: header}

	var err error
	proof.Signatures, err = SignProof(proof.Signatures, 0, header, proof.Origin.Kind, sks[0])
	require.NoError(t, err)

	status, err := VerifyProof(proof, set)
	require.NoError(t, err)
	require.Equal(t, 1, status.ValidCount)
	require.False(t, status.QuorumReached)
	require.Error(t, VerifyProofOrQuorumError(proof, set))
}

func TestVerifyProofRejectsTamperedHeader(t *testing.T) {
	set, sks := buildSet(t, 4)
	header := sampleHeader()
	proof := types.LedgerProof{Header: header}

	var err error
	for i := 0; i < 3; i++ {
		proof.Signatures, err = SignProof(proof.Signatures, i, header, proof.Origin.Kind, sks[i])
		require.NoError(t, err)
	}

	proof.Header.Round = header.Round + 1

	status, err := VerifyProof(proof, set)
	require.NoError(t, err)
	require.Equal(t, 0, status.ValidCount)
	require.False(t, status.QuorumReached)
	require.Len(t, status.InvalidIndices, 4)
}

func TestVerifyProofRejectsSignatureUnderWrongDomain(t *testing.T) {
	set, sks := buildSet(t, 4)
	header := sampleHeader()
	proof := types.LedgerProof{
		Header: header,
		Origin: types.LedgerProofOrigin{Kind: types.OriginProtocolUpdate, ProtocolVersion: "v2", BatchIndex: 1},
	}

	// Sign as if this were an ordinary (non-protocol-update) proof: wrong
	// domain tag for the origin actually carried.
	var err error
	for i := 0; i < 3; i++ {
		proof.Signatures, err = SignProof(proof.Signatures, i, header, types.OriginGenesis, sks[i])
		require.NoError(t, err)
	}

	status, err := VerifyProof(proof, set)
	require.NoError(t, err)
	require.Equal(t, 0, status.ValidCount)
}

func TestVerifyProofEmptyValidatorSetErrors(t *testing.T) {
	_, err := VerifyProof(types.LedgerProof{}, ValidatorSet{})
	require.Error(t, err)
}
