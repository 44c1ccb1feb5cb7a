// Package poi keeps the proof-of-innocence obligations of submitted
// transactions and resubmits them to a POI node until the received notes become
// spendable.
package poi

import (
	"encoding/json"
	"time"

	"shieldrelay/core/chain"
)

// DefaultTxidVersion is the only TXID tree version currently in use.
const DefaultTxidVersion = "V2_PoseidonMerkle"

// PreTransactionPOI is a client supplied proof for one list and one txid leaf.
type PreTransactionPOI struct {
	SnarkProof               json.RawMessage `json:"snarkProof"`
	TxidMerkleroot           string          `json:"txidMerkleroot"`
	POIMerkleroots           []string        `json:"poiMerkleroots"`
	BlindedCommitmentsOut    []string        `json:"blindedCommitmentsOut"`
	RailgunTxidIfHasUnshield string          `json:"railgunTxidIfHasUnshield"`
}

// PreTransactionPOIsPerTxidLeafPerList maps list key → txid leaf hash → proof.
type PreTransactionPOIsPerTxidLeafPerList map[string]map[string]PreTransactionPOI

// ListKeys returns the list keys covered.
func (p PreTransactionPOIsPerTxidLeafPerList) ListKeys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	return keys
}

// ValidatedPOIData is a locally validated proof obligation for a note paid to
// this node.
type ValidatedPOIData struct {
	RailgunTxid                          string                               `json:"railgunTxid"`
	UTXOTreeIn                           uint64                               `json:"utxoTreeIn"`
	Commitment                           string                               `json:"commitment"`
	NotePublicKey                        string                               `json:"notePublicKey"`
	PreTransactionPOIsPerTxidLeafPerList PreTransactionPOIsPerTxidLeafPerList `json:"preTransactionPOIsPerTxidLeafPerList"`
}

// StoredValidatedPOI is the persisted queue record.
type StoredValidatedPOI struct {
	ValidatedPOIData
	TxidVersion   string    `json:"txidVersion"`
	Chain         chain.ID  `json:"chain"`
	QueuedAt      time.Time `json:"queuedAt"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
}

// RailgunTransaction carries the output tree position of an on-chain shielded
// transaction.
type RailgunTransaction struct {
	RailgunTxid     string `json:"railgunTxid"`
	UTXOTreeOut     uint64 `json:"utxoTreeOut"`
	UTXOPositionOut uint64 `json:"utxoPositionOut"`
}

// SingleCommitmentProof is the body of a submitSingleCommitmentProof call.
type SingleCommitmentProof struct {
	Commitment      string                               `json:"commitment"`
	NPK             string                               `json:"npk"`
	UTXOTreeIn      uint64                               `json:"utxoTreeIn"`
	UTXOTreeOut     uint64                               `json:"utxoTreeOut"`
	UTXOPositionOut uint64                               `json:"utxoPositionOut"`
	RailgunTxid     string                               `json:"railgunTxid"`
	POIs            PreTransactionPOIsPerTxidLeafPerList `json:"pois"`
}
