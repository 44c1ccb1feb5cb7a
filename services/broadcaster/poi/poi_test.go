package poi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldrelay/core/chain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "poi.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleData(txid string) ValidatedPOIData {
	return ValidatedPOIData{
		RailgunTxid:   txid,
		UTXOTreeIn:    3,
		Commitment:    "0xc0ffee",
		NotePublicKey: "0x1234",
		PreTransactionPOIsPerTxidLeafPerList: PreTransactionPOIsPerTxidLeafPerList{
			"efc6ddb5": {
				"0xleaf": {
					SnarkProof:            json.RawMessage(`{"pi_a":["1","2"]}`),
					TxidMerkleroot:        "0xroot",
					POIMerkleroots:        []string{"0xpoi"},
					BlindedCommitmentsOut: []string{"0xblind"},
				},
			},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := openStore(t)
	c := chain.EVM(1)
	data := sampleData("0xabc")

	require.NoError(t, store.QueueValidatedPOI(DefaultTxidVersion, c, data))
	records := store.GetValidatedPOIs(DefaultTxidVersion, c)
	require.Len(t, records, 1)
	require.Equal(t, data, records[0].ValidatedPOIData)
	require.Equal(t, c, records[0].Chain)

	require.Empty(t, store.GetValidatedPOIs(DefaultTxidVersion, chain.EVM(137)))

	require.NoError(t, store.DeleteValidatedPOI(DefaultTxidVersion, c, "0xabc"))
	require.Empty(t, store.GetValidatedPOIs(DefaultTxidVersion, c))
}

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "poi-assurance:V2_PoseidonMerkle:0:1:0xabc", string(Key(DefaultTxidVersion, chain.EVM(1), "0xABC")))
}

func TestClosedStoreDegradesToEmpty(t *testing.T) {
	store := openStore(t)
	c := chain.EVM(1)
	require.NoError(t, store.QueueValidatedPOI(DefaultTxidVersion, c, sampleData("0x1")))
	require.NoError(t, store.Close())

	require.Empty(t, store.GetValidatedPOIs(DefaultTxidVersion, c))
	require.ErrorIs(t, store.QueueValidatedPOI(DefaultTxidVersion, c, sampleData("0x2")), ErrStoreClosed)
}

type fakeLedger struct {
	spendable bool
	tx        *RailgunTransaction
	err       error
}

func (f *fakeLedger) IsSpendable(context.Context, string, chain.ID, StoredValidatedPOI) (bool, error) {
	return f.spendable, f.err
}

func (f *fakeLedger) RailgunTransaction(context.Context, string, chain.ID, string) (*RailgunTransaction, error) {
	return f.tx, nil
}

type fakeSubmitter struct {
	proofs []SingleCommitmentProof
	err    error
}

func (f *fakeSubmitter) SubmitSingleCommitmentProof(_ context.Context, _ string, _ chain.ID, proof SingleCommitmentProof) error {
	f.proofs = append(f.proofs, proof)
	return f.err
}

func TestPollDefersUntilTxidTreeSynced(t *testing.T) {
	store := openStore(t)
	c := chain.EVM(1)
	require.NoError(t, store.QueueValidatedPOI(DefaultTxidVersion, c, sampleData("0xabc")))
	ledger := &fakeLedger{}
	submitter := &fakeSubmitter{}
	q := NewQueue(store, ledger, submitter, []Target{{TxidVersion: DefaultTxidVersion, Chain: c}})

	require.NoError(t, q.Poll(context.Background()))
	require.Empty(t, submitter.proofs)
	records := store.GetValidatedPOIs(DefaultTxidVersion, c)
	require.Len(t, records, 1)
	require.Zero(t, records[0].Attempts)

	ledger.tx = &RailgunTransaction{RailgunTxid: "0xabc", UTXOTreeOut: 4, UTXOPositionOut: 17}
	require.NoError(t, q.Poll(context.Background()))
	require.Len(t, submitter.proofs, 1)
	require.Equal(t, uint64(17), submitter.proofs[0].UTXOPositionOut)
	require.Equal(t, "0x1234", submitter.proofs[0].NPK)
	records = store.GetValidatedPOIs(DefaultTxidVersion, c)
	require.Len(t, records, 1)
	require.Equal(t, 1, records[0].Attempts)

	ledger.spendable = true
	require.NoError(t, q.Poll(context.Background()))
	require.Empty(t, store.GetValidatedPOIs(DefaultTxidVersion, c))
}

func TestPollKeepsRecordOnSubmitFailure(t *testing.T) {
	store := openStore(t)
	c := chain.EVM(1)
	require.NoError(t, store.QueueValidatedPOI(DefaultTxidVersion, c, sampleData("0xabc")))
	ledger := &fakeLedger{tx: &RailgunTransaction{}}
	submitter := &fakeSubmitter{err: errors.New("node down")}
	q := NewQueue(store, ledger, submitter, []Target{{TxidVersion: DefaultTxidVersion, Chain: c}})

	require.Error(t, q.Poll(context.Background()))
	require.Error(t, q.Poll(context.Background()))
	records := store.GetValidatedPOIs(DefaultTxidVersion, c)
	require.Len(t, records, 1)
	require.Equal(t, 2, records[0].Attempts)
}

func TestPollDropsExpired(t *testing.T) {
	store := openStore(t)
	c := chain.EVM(1)
	require.NoError(t, store.QueueValidatedPOI(DefaultTxidVersion, c, sampleData("0xabc")))
	later := time.Now().Add(8 * 24 * time.Hour)
	submitter := &fakeSubmitter{}
	q := NewQueue(store, &fakeLedger{tx: &RailgunTransaction{}}, submitter,
		[]Target{{TxidVersion: DefaultTxidVersion, Chain: c}},
		WithClock(func() time.Time { return later }))

	require.NoError(t, q.Poll(context.Background()))
	require.Empty(t, submitter.proofs)
	require.Empty(t, store.GetValidatedPOIs(DefaultTxidVersion, c))
}

func TestNodeClientSubmit(t *testing.T) {
	received := make(chan rpcRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- req
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":null,"id":1}`))
	}))
	defer srv.Close()

	client, err := NewNodeClient(NodeConfig{URL: srv.URL})
	require.NoError(t, err)
	err = client.SubmitSingleCommitmentProof(context.Background(), DefaultTxidVersion, chain.EVM(1), SingleCommitmentProof{Commitment: "0xc0ffee"})
	require.NoError(t, err)
	got := <-received
	require.Equal(t, methodSubmitSingleCommitmentProofs, got.Method)
	require.Equal(t, "2.0", got.JSONRPC)
}

func TestNodeClientRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"invalid proof"},"id":1}`))
	}))
	defer srv.Close()

	client, err := NewNodeClient(NodeConfig{URL: srv.URL})
	require.NoError(t, err)
	err = client.SubmitSingleCommitmentProof(context.Background(), DefaultTxidVersion, chain.EVM(1), SingleCommitmentProof{})
	require.ErrorContains(t, err, "invalid proof")
}
