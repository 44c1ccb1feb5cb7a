package executor

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/rpcerr"
	"shieldrelay/services/broadcaster/wallet"
)

var (
	// minRetryBump is 0.01 gwei.
	minRetryBump = big.NewInt(10_000_000)
	retryBumpPct = big.NewInt(20)
)

// RetryGasPrice computes the price for the single underpriced retry:
// suggested + max(20% of (suggested - min), 0.01 gwei), capped at
// min + maxRetryBuffer. ok is false when the provider already asks for at least
// the cap.
func RetryGasPrice(minGasPrice, suggested, maxRetryBuffer *big.Int) (*big.Int, bool) {
	if minGasPrice == nil || suggested == nil {
		return nil, false
	}
	ceiling := new(big.Int).Set(minGasPrice)
	if maxRetryBuffer != nil {
		ceiling.Add(ceiling, maxRetryBuffer)
	}
	if suggested.Cmp(ceiling) >= 0 {
		return nil, false
	}
	bump := new(big.Int).Sub(suggested, minGasPrice)
	bump.Mul(bump, retryBumpPct)
	bump.Quo(bump, big.NewInt(100))
	if bump.Cmp(minRetryBump) < 0 {
		bump.Set(minRetryBump)
	}
	price := bump.Add(bump, suggested)
	if price.Cmp(ceiling) > 0 {
		price.Set(ceiling)
	}
	return price, true
}

func withPrice(details gas.Details, price *big.Int) gas.Details {
	if details.Type == gas.TypeEIP1559 {
		priority := details.MaxPriorityFeePerGas
		if priority == nil || priority.Cmp(price) > 0 {
			priority = price
		}
		return gas.Details{
			Type:                 gas.TypeEIP1559,
			MaxFeePerGas:         new(big.Int).Set(price),
			MaxPriorityFeePerGas: new(big.Int).Set(priority),
		}
	}
	return gas.Details{Type: gas.TypeLegacy, GasPrice: new(big.Int).Set(price)}
}

// send submits req and retries once when the provider reports the price as too
// low. A failed retry reports the original error.
func (e *Executor) send(ctx context.Context, cfg ChainConfig, c chain.ID, req wallet.TxRequest) (common.Hash, bool, error) {
	hash, err := e.submit(ctx, c, req)
	if err == nil {
		return hash, false, nil
	}
	classified := rpcerr.Classify(err)
	if classified.Kind != rpcerr.KindUnderpriced || classified.SuggestedFee == nil {
		return common.Hash{}, false, mapSendError(err)
	}

	minGasPrice := req.Gas.Price()
	price, ok := RetryGasPrice(minGasPrice, classified.SuggestedFee, cfg.MaxRetryBuffer)
	if !ok {
		e.metrics.RecordUnderpricedRetry(c.String(), "skipped")
		return common.Hash{}, false, mapSendError(err)
	}
	e.logger.Warn("transaction underpriced, retrying once",
		slog.String("chain", c.String()),
		slog.String("minGasPrice", minGasPrice.String()),
		slog.String("suggested", classified.SuggestedFee.String()),
		slog.String("retryPrice", price.String()))

	retry := req
	retry.Gas = withPrice(req.Gas, price)
	hash, retryErr := e.submit(ctx, c, retry)
	if retryErr != nil {
		e.metrics.RecordUnderpricedRetry(c.String(), "failure")
		e.logger.Warn("underpriced retry failed",
			slog.String("chain", c.String()),
			slog.Any("error", retryErr))
		return common.Hash{}, false, mapSendError(err)
	}
	e.metrics.RecordUnderpricedRetry(c.String(), "success")
	return hash, true, nil
}

func (e *Executor) submit(ctx context.Context, c chain.ID, req wallet.TxRequest) (common.Hash, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.wallet.Send(callCtx, c, req)
}

func mapSendError(err error) error {
	switch rpcerr.Classify(err).Kind {
	case rpcerr.KindTimeout:
		return errs.Wrap(errs.CodeTransactionSendTimeout, err)
	case rpcerr.KindNonceUsed:
		return errs.Wrap(errs.CodeNonceAlreadyUsed, err)
	default:
		return errs.Wrap(errs.CodeTransactionSendRPC, err)
	}
}

func (e *Executor) reserve(c chain.ID, hash common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	byHash, ok := e.submitted[c]
	if !ok {
		byHash = make(map[common.Hash]SubmittedTxRecord)
		e.submitted[c] = byHash
	}
	if record, ok := byHash[hash]; ok {
		if record.Completed {
			return ErrAlreadySent
		}
		return errs.New(errs.CodeRepeatTransaction)
	}
	byHash[hash] = SubmittedTxRecord{Hash: hash, Timestamp: e.now()}
	return nil
}

func (e *Executor) release(c chain.ID, hash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.submitted[c], hash)
}

func (e *Executor) complete(c chain.ID, hash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byHash, ok := e.submitted[c]; ok {
		byHash[hash] = SubmittedTxRecord{Hash: hash, Timestamp: e.now(), Completed: true}
	}
}

// TxWasAlreadySent reports whether the transaction intent hash was submitted
// on c within the TTL.
func (e *Executor) TxWasAlreadySent(c chain.ID, hash common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.submitted[c][hash]
	return ok && record.Completed && e.now().Sub(record.Timestamp) < SubmittedTxTTL
}

// CleanupSubmittedTxs forgets records older than SubmittedTxTTL.
func (e *Executor) CleanupSubmittedTxs(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for c, byHash := range e.submitted {
		for hash, record := range byHash {
			if now.Sub(record.Timestamp) >= SubmittedTxTTL {
				delete(byHash, hash)
				removed++
			}
		}
		if len(byHash) == 0 {
			delete(e.submitted, c)
		}
	}
	return removed
}
