package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/errs"
	"shieldrelay/services/broadcaster/fees"
	"shieldrelay/services/broadcaster/gas"
	"shieldrelay/services/broadcaster/poi"
	"shieldrelay/services/broadcaster/reliability"
	"shieldrelay/services/broadcaster/wallet"
)

const gwei = 1_000_000_000

var (
	bsc      = chain.EVM(56)
	mainnet  = chain.EVM(1)
	token    = common.HexToAddress("0x55d398326f99059ff775485246999027b3197955")
	contract = common.HexToAddress("0xfa7093cdd9ee6932b4eb2c9e1cde7ce00b1fa4b9")
)

type fakeOracle struct {
	minErr error
	medium gas.Details
}

func (f *fakeOracle) ValidateMinGasPrice(context.Context, gas.Type, chain.ID, *big.Int) error {
	return f.minErr
}

func (f *fakeOracle) GetGasDetailsForSpeed(context.Context, gas.Type, chain.ID, gas.Speed) (gas.Details, error) {
	return f.medium, nil
}

type fakeFees struct {
	fee       fees.PackagedFee
	extractOK bool
	validErr  error
	maxGas    *big.Int
}

func (f *fakeFees) ExtractPackagedFee(context.Context, chain.ID, fees.Transaction) (fees.PackagedFee, error) {
	if !f.extractOK {
		return fees.PackagedFee{}, errs.New(errs.CodeNoBroadcasterFee)
	}
	return f.fee, nil
}

func (f *fakeFees) ValidateFee(_ context.Context, _ chain.ID, _ common.Address, maxGas *big.Int, _ string, _ *big.Int) error {
	f.maxGas = maxGas
	return f.validErr
}

type countingCounters struct {
	mu     sync.Mutex
	counts map[reliability.Metric]int
}

func (c *countingCounters) Record(_ chain.ID, m reliability.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[reliability.Metric]int)
	}
	c.counts[m]++
}

func (c *countingCounters) get(m reliability.Metric) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[m]
}

type sendingWallet struct {
	mu    sync.Mutex
	sent  []wallet.TxRequest
	errs  []error
	block chan struct{}
}

func (w *sendingWallet) Address() common.Address { return common.HexToAddress("0xbeef") }

func (w *sendingWallet) EstimateGas(context.Context, chain.ID, common.Address, []byte) (uint64, error) {
	return 100_000, nil
}

func (w *sendingWallet) Send(_ context.Context, _ chain.ID, req wallet.TxRequest) (common.Hash, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, req)
	attempt := len(w.sent)
	if attempt <= len(w.errs) && w.errs[attempt-1] != nil {
		return common.Hash{}, w.errs[attempt-1]
	}
	return common.BigToHash(big.NewInt(int64(attempt))), nil
}

func newExecutor(t *testing.T, w wallet.Wallet, checker FeeChecker, counters Counters, opts ...Option) *Executor {
	t.Helper()
	chains := map[chain.ID]ChainConfig{
		bsc:     {GasType: gas.TypeLegacy, MaxRetryBuffer: big.NewInt(5 * gwei)},
		mainnet: {GasType: gas.TypeEIP1559, RequirePOI: true, MaxRetryBuffer: big.NewInt(5 * gwei), RequiredListKeys: []string{"list"}},
	}
	oracle := &fakeOracle{medium: gas.Details{Type: gas.TypeEIP1559, MaxFeePerGas: big.NewInt(40 * gwei), MaxPriorityFeePerGas: big.NewInt(2 * gwei)}}
	opts = append([]Option{WithCounters(counters)}, opts...)
	e, err := New(w, oracle, checker, chains, opts...)
	require.NoError(t, err)
	return e
}

func goodFees() *fakeFees {
	return &fakeFees{extractOK: true, fee: fees.PackagedFee{Token: token, Amount: big.NewInt(1_000)}}
}

func legacyRequest() Request {
	return Request{
		Chain:       bsc,
		FeeCacheID:  "quote-1",
		MinGasPrice: big.NewInt(30 * gwei),
		To:          contract,
		Data:        []byte{0x01, 0x02},
	}
}

func TestRetryGasPrice(t *testing.T) {
	price, ok := RetryGasPrice(big.NewInt(30*gwei), big.NewInt(32_500_000_000), big.NewInt(5*gwei))
	require.True(t, ok)
	require.Equal(t, big.NewInt(33*gwei), price)

	// Bump floor of 0.01 gwei.
	price, ok = RetryGasPrice(big.NewInt(30*gwei), big.NewInt(30_010_000_000), big.NewInt(5*gwei))
	require.True(t, ok)
	require.Equal(t, big.NewInt(30_020_000_000), price)

	// Capped at min + buffer.
	price, ok = RetryGasPrice(big.NewInt(30*gwei), big.NewInt(34_900_000_000), big.NewInt(5*gwei))
	require.True(t, ok)
	require.Equal(t, big.NewInt(35*gwei), price)

	_, ok = RetryGasPrice(big.NewInt(30*gwei), big.NewInt(35*gwei), big.NewInt(5*gwei))
	require.False(t, ok)
}

func TestUnderpricedRetrySucceeds(t *testing.T) {
	w := &sendingWallet{errs: []error{errors.New("transaction underpriced: gas price 30 gwei, suggested 32.5 gwei")}}
	counters := &countingCounters{}
	e := newExecutor(t, w, goodFees(), counters)

	resp, err := e.Process(context.Background(), legacyRequest())
	require.NoError(t, err)
	require.True(t, resp.Retried)
	require.Equal(t, common.BigToHash(big.NewInt(2)), resp.TxHash)
	require.Len(t, w.sent, 2)
	require.Equal(t, big.NewInt(30*gwei), w.sent[0].Gas.GasPrice)
	require.Equal(t, big.NewInt(33*gwei), w.sent[1].Gas.GasPrice)
	require.Equal(t, 1, counters.get(reliability.SendSuccess))
	require.Zero(t, counters.get(reliability.SendFailure))
}

func TestUnderpricedRetryFailureSurfacesOriginal(t *testing.T) {
	original := errors.New("transaction underpriced: suggested 32.5 gwei")
	w := &sendingWallet{errs: []error{original, errors.New("nonce too low")}}
	counters := &countingCounters{}
	e := newExecutor(t, w, goodFees(), counters)

	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeTransactionSendRPC))
	require.ErrorIs(t, err, original)
	require.Len(t, w.sent, 2)
	require.Equal(t, 1, counters.get(reliability.SendFailure))
}

func TestUnderpricedAboveBufferIsNotRetried(t *testing.T) {
	w := &sendingWallet{errs: []error{errors.New("transaction underpriced: suggested 40 gwei")}}
	e := newExecutor(t, w, goodFees(), &countingCounters{})

	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeTransactionSendRPC))
	require.Len(t, w.sent, 1)
}

func TestSendErrorMapping(t *testing.T) {
	w := &sendingWallet{errs: []error{errors.New("nonce too low")}}
	e := newExecutor(t, w, goodFees(), &countingCounters{})
	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeNonceAlreadyUsed))

	w = &sendingWallet{errs: []error{context.DeadlineExceeded}}
	e = newExecutor(t, w, goodFees(), &countingCounters{})
	_, err = e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeTransactionSendTimeout))
}

func TestBadTokenFeeNeverSubmits(t *testing.T) {
	w := &sendingWallet{}
	checker := goodFees()
	checker.validErr = errs.New(errs.CodeBadTokenFee)
	counters := &countingCounters{}
	e := newExecutor(t, w, checker, counters)

	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeBadTokenFee))
	require.Empty(t, w.sent)
	require.Equal(t, 1, counters.get(reliability.FeeValidationFailure))
	require.Zero(t, counters.get(reliability.SendSuccess))
	// 100k gas at 30 gwei.
	require.Equal(t, big.NewInt(3_000_000_000_000_000), checker.maxGas)
}

func TestRepeatAndAlreadySent(t *testing.T) {
	release := make(chan struct{})
	w := &sendingWallet{block: release}
	e := newExecutor(t, w, goodFees(), &countingCounters{})

	done := make(chan error, 1)
	go func() {
		_, err := e.Process(context.Background(), legacyRequest())
		done <- err
	}()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.submitted[bsc]) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeRepeatTransaction))

	close(release)
	require.NoError(t, <-done)

	_, err = e.Process(context.Background(), legacyRequest())
	require.ErrorIs(t, err, ErrAlreadySent)
	require.True(t, e.TxWasAlreadySent(bsc, TxHash(contract, []byte{0x01, 0x02})))
	require.False(t, e.TxWasAlreadySent(mainnet, TxHash(contract, []byte{0x01, 0x02})))
}

func TestFailedSendCanBeRetriedByClient(t *testing.T) {
	w := &sendingWallet{errs: []error{errors.New("connection refused")}}
	e := newExecutor(t, w, goodFees(), &countingCounters{})

	_, err := e.Process(context.Background(), legacyRequest())
	require.Error(t, err)
	_, err = e.Process(context.Background(), legacyRequest())
	require.NoError(t, err)
}

func TestCleanupSubmittedTxs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newExecutor(t, &sendingWallet{}, goodFees(), &countingCounters{}, WithClock(func() time.Time { return now }))
	_, err := e.Process(context.Background(), legacyRequest())
	require.NoError(t, err)

	require.Zero(t, e.CleanupSubmittedTxs(now.Add(9*time.Minute)))
	require.Equal(t, 1, e.CleanupSubmittedTxs(now.Add(10*time.Minute)))
	require.False(t, e.TxWasAlreadySent(bsc, TxHash(contract, []byte{0x01, 0x02})))
}

type fakePOI struct {
	validated []poi.ValidatedPOIData
	err       error
	queued    []poi.ValidatedPOIData
}

func (f *fakePOI) ValidatePOIs(context.Context, string, chain.ID, fees.Transaction, poi.PreTransactionPOIsPerTxidLeafPerList) ([]poi.ValidatedPOIData, error) {
	return f.validated, f.err
}

func (f *fakePOI) QueueValidatedPOI(_ string, _ chain.ID, data poi.ValidatedPOIData) error {
	f.queued = append(f.queued, data)
	return nil
}

func eip1559Request() Request {
	req := legacyRequest()
	req.Chain = mainnet
	req.MinGasPrice = big.NewInt(50 * gwei)
	req.POIs = poi.PreTransactionPOIsPerTxidLeafPerList{"list": {"leaf": {}}}
	return req
}

func TestPOIValidatedAndQueuedAfterSend(t *testing.T) {
	w := &sendingWallet{}
	counters := &countingCounters{}
	checker := &fakePOI{validated: []poi.ValidatedPOIData{{RailgunTxid: "0xabc"}}}
	e := newExecutor(t, w, goodFees(), counters, WithPOI(checker, checker))

	_, err := e.Process(context.Background(), eip1559Request())
	require.NoError(t, err)
	require.Len(t, checker.queued, 1)
	require.Equal(t, 1, counters.get(reliability.POIValidationSuccess))

	sent := w.sent[0].Gas
	require.Equal(t, big.NewInt(50*gwei), sent.MaxFeePerGas)
	require.Equal(t, big.NewInt(2*gwei), sent.MaxPriorityFeePerGas)
}

func TestPOIInvalid(t *testing.T) {
	w := &sendingWallet{}
	counters := &countingCounters{}
	checker := &fakePOI{err: errors.New("bad snark")}
	e := newExecutor(t, w, goodFees(), counters, WithPOI(checker, checker))

	_, err := e.Process(context.Background(), eip1559Request())
	require.True(t, errs.HasCode(err, errs.CodePOIInvalid))
	require.Empty(t, w.sent)
	require.Equal(t, 1, counters.get(reliability.POIValidationFailure))
}

func TestPOIMissingRequiredList(t *testing.T) {
	w := &sendingWallet{}
	counters := &countingCounters{}
	checker := &fakePOI{validated: []poi.ValidatedPOIData{{RailgunTxid: "0xabc"}}}
	e := newExecutor(t, w, goodFees(), counters, WithPOI(checker, checker))

	req := eip1559Request()
	req.POIs = poi.PreTransactionPOIsPerTxidLeafPerList{"other-list": {"leaf": {}}}
	_, err := e.Process(context.Background(), req)
	require.True(t, errs.HasCode(err, errs.CodePOIInvalid))
	require.ErrorContains(t, err, "list")
	require.Empty(t, w.sent)
	require.Empty(t, checker.queued)
	require.Equal(t, 1, counters.get(reliability.POIValidationFailure))
}

func TestDryRunDoesNotSend(t *testing.T) {
	w := &sendingWallet{}
	e := newExecutor(t, w, goodFees(), &countingCounters{})
	req := legacyRequest()
	req.DryRun = true

	resp, err := e.Process(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, w.sent)
	require.Equal(t, uint64(100_000), resp.GasLimit)
	require.Equal(t, big.NewInt(30*gwei), resp.Gas.GasPrice)

	// A dry run does not reserve the transaction.
	_, err = e.Process(context.Background(), legacyRequest())
	require.NoError(t, err)
}

func TestUnsupportedChain(t *testing.T) {
	e := newExecutor(t, &sendingWallet{}, goodFees(), &countingCounters{})
	req := legacyRequest()
	req.Chain = chain.EVM(10)
	_, err := e.Process(context.Background(), req)
	require.True(t, errs.HasCode(err, errs.CodeUnsupportedNetwork))
}

func TestGasEstimateRevert(t *testing.T) {
	w := wallet.FuncWallet{
		EstimateFunc: func(context.Context, chain.ID, common.Address, []byte) (uint64, error) {
			return 0, errors.New("execution reverted: RailgunSmartWallet: Invalid Snark Proof")
		},
	}
	counters := &countingCounters{}
	e := newExecutor(t, w, goodFees(), counters)
	_, err := e.Process(context.Background(), legacyRequest())
	require.True(t, errs.HasCode(err, errs.CodeGasEstimateRevert))
	require.Equal(t, 1, counters.get(reliability.GasEstimateFailure))
}
