package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
	"shieldrelay/services/broadcaster/rpcerr"
)

// FeeHistory fetches the reward history of the last blocks ending at the
// client's current block number. Providers that lag behind their own
// BlockNumber answer with a "beyond head block" error; the request is then
// repeated one block below the head the provider reported (or below the block
// just asked for when it reported none), up to five attempts in total.
func (e *Estimator) FeeHistory(ctx context.Context, c chain.ID) (*ethereum.FeeHistory, error) {
	settings, err := e.settings(c)
	if err != nil {
		return nil, err
	}

	headCtx, cancel := context.WithTimeout(ctx, e.timeout)
	head, err := settings.Client.BlockNumber(headCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("gas: block number %s: %w", c, err)
	}

	newest := new(big.Int).SetUint64(head)
	var lastErr error
	for attempt := 1; attempt <= maxFeeHistoryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		history, err := settings.Client.FeeHistory(callCtx, feeHistoryBlocks, newest, rewardPercentiles)
		cancel()
		if err == nil {
			return history, nil
		}
		classified := rpcerr.Classify(err)
		if classified.Kind != rpcerr.KindBeyondHead {
			return nil, fmt.Errorf("gas: fee history %s: %w", c, err)
		}
		lastErr = err
		base := newest
		if classified.Head != nil && classified.Head.Cmp(newest) < 0 {
			base = classified.Head
		}
		next := new(big.Int).Sub(base, big.NewInt(1))
		if next.Sign() < 0 {
			break
		}
		e.logger.Debug("fee history beyond head, retrying lower",
			slog.String("chain", c.String()),
			slog.Int("attempt", attempt),
			slog.String("block", next.String()))
		newest = next
	}
	return nil, errs.Wrap(errs.CodeFeeHistoryRefresh, lastErr)
}
