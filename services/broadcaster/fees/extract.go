package fees

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
)

// Transaction is the contract call carried by a client request.
type Transaction struct {
	To            common.Address
	Data          []byte
	UseRelayAdapt bool
}

// OutputNote is one shielded output of a transaction as committed on chain.
type OutputNote struct {
	Commitment common.Hash
	Ciphertext []byte
}

// DecryptedNote is an output note opened with the node's viewing key. Hash is
// recomputed from the plaintext.
type DecryptedNote struct {
	Token common.Address
	Value *big.Int
	Hash  common.Hash
}

// NoteSource parses the output notes of a shielded transaction.
type NoteSource interface {
	OutputNotes(ctx context.Context, c chain.ID, tx Transaction) ([]OutputNote, error)
}

// NoteDecryptor opens notes addressed to this node. ok is false when the note
// is for someone else.
type NoteDecryptor interface {
	DecryptNote(ctx context.Context, c chain.ID, note OutputNote) (DecryptedNote, bool, error)
}

// PackagedFee is the fee a client paid to this node inside a transaction.
type PackagedFee struct {
	Token  common.Address
	Amount *big.Int
}

// ExtractPackagedFee finds the notes paying this node. Notes whose recomputed
// hash does not match the committed one are ignored. Several paying notes in
// the first paying token are summed.
func (v *Validator) ExtractPackagedFee(ctx context.Context, c chain.ID, tx Transaction) (PackagedFee, error) {
	if v.notes == nil || v.decryptor == nil {
		return PackagedFee{}, errs.Wrapf(errs.CodeFailedToExtractPackagedFee, "note extraction not configured")
	}
	notes, err := v.notes.OutputNotes(ctx, c, tx)
	if err != nil {
		return PackagedFee{}, errs.Wrap(errs.CodeFailedToExtractPackagedFee, err)
	}

	var fee PackagedFee
	for _, note := range notes {
		decrypted, ok, err := v.decryptor.DecryptNote(ctx, c, note)
		if err != nil || !ok {
			continue
		}
		if decrypted.Hash != note.Commitment || decrypted.Value == nil || decrypted.Value.Sign() <= 0 {
			continue
		}
		if fee.Amount == nil {
			fee = PackagedFee{Token: decrypted.Token, Amount: new(big.Int).Set(decrypted.Value)}
			continue
		}
		if decrypted.Token == fee.Token {
			fee.Amount.Add(fee.Amount, decrypted.Value)
		}
	}
	if fee.Amount == nil {
		return PackagedFee{}, errs.New(errs.CodeNoBroadcasterFee)
	}
	return fee, nil
}
