package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"shieldrelay/core/chain"
	"shieldrelay/crypto/envelope"
	"shieldrelay/observability/logging"
	"shieldrelay/p2p/transport"
	"shieldrelay/services/broadcaster/errs"
	"shieldrelay/services/broadcaster/executor"
	"shieldrelay/services/broadcaster/reliability"
)

// Handle runs one message through decrypt, de-duplicate, validate, dispatch
// and respond. Malformed, foreign and replayed messages are dropped without a
// response.
func (r *Router) Handle(ctx context.Context, msg transport.Message) Outcome {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.handle")
	defer span.End()
	span.SetAttributes(attribute.String("topic", msg.ContentTopic))

	c, method, outcome := r.handle(ctx, msg)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomePublishFailed {
		span.SetStatus(codes.Error, string(outcome))
	}
	r.metrics.RecordRequest(string(method), string(outcome))
	r.metrics.ObserveHandle(string(method), time.Since(start))
	if !c.IsZero() {
		span.SetAttributes(attribute.String("chain", c.String()))
	}
	return outcome
}

func (r *Router) handle(ctx context.Context, msg transport.Message) (chain.ID, chain.Method, Outcome) {
	topicChain, method, err := r.topics.Parse(msg.ContentTopic)
	if err != nil || (method != chain.MethodTransact && method != chain.MethodPreAuthorize) {
		return chain.ID{}, method, OutcomeDroppedTopic
	}

	// Received.
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Params.PubKey == "" {
		return topicChain, method, OutcomeDroppedMalformed
	}
	if req.Method != "" && req.Method != string(method) {
		return topicChain, method, OutcomeDroppedMalformed
	}

	// Decrypted.
	sharedKey, err := r.key.SharedKey(req.Params.PubKey)
	if err != nil {
		return topicChain, method, OutcomeDroppedDecrypt
	}
	plaintext, ok := envelope.Open(sharedKey, req.Params.EncryptedData)
	if !ok {
		return topicChain, method, OutcomeDroppedDecrypt
	}

	// DeDuplicated.
	if r.guard.SeenOrRecord(req.Params.PubKey) {
		r.logger.Debug("dropping replayed request", logging.Fingerprint("pubkey", req.Params.PubKey))
		return topicChain, method, OutcomeDroppedReplay
	}
	r.counters.Record(topicChain, reliability.TotalSeen)

	// Validated.
	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		r.counters.Record(topicChain, reliability.DecodeFailure)
		r.counters.Record(topicChain, reliability.BadData)
		return topicChain, method, OutcomeDroppedBadData
	}
	r.counters.Record(topicChain, reliability.DecodeSuccess)

	if !r.VersionAccepted(payload.MinVersion, payload.MaxVersion) {
		return topicChain, method, OutcomeDroppedVersion
	}
	if !r.key.Matches(payload.BroadcasterViewingKey) {
		return topicChain, method, OutcomeDroppedKey
	}

	allowDebug := r.allowDebug && payload.DevLog
	responder := r.responder(ctx, topicChain, method, req.ID, sharedKey)

	fields, missing := payload.parse()
	if payload.ChainType != nil && payload.ChainID != nil {
		if _, ok := r.chains[fields.chain]; !ok {
			return topicChain, method, responder.fail(errs.New(errs.CodeUnsupportedNetwork), allowDebug)
		}
		// A request is served only on the chain whose topic carried it.
		if fields.chain != topicChain {
			r.logger.Debug("dropping request for another chain's topic",
				slog.String("chain", fields.chain.String()),
				slog.String("topic", msg.ContentTopic))
			return topicChain, method, OutcomeDroppedChain
		}
	}
	if len(missing) > 0 {
		r.counters.Record(topicChain, reliability.BadData)
		return topicChain, method, responder.fail(errs.Wrapf(errs.CodeMissingRequiredField, "%s", strings.Join(missing, ",")), allowDebug)
	}
	if r.requireFee && !r.feeIDs.Recognizes(fields.chain, payload.FeesID) {
		r.logger.Debug("dropping request for foreign fee quote", slog.String("chain", fields.chain.String()))
		return topicChain, method, OutcomeDroppedFeeID
	}

	// Dispatched.
	if r.exec.TxWasAlreadySent(fields.chain, executor.TxHash(fields.to, fields.data)) {
		return topicChain, method, OutcomeDroppedSent
	}
	execReq := executor.Request{
		Chain:         fields.chain,
		FeeCacheID:    payload.FeesID,
		MinGasPrice:   fields.minGasPrice,
		To:            fields.to,
		Data:          fields.data,
		UseRelayAdapt: payload.UseRelayAdapt,
		TxidVersion:   payload.TxidVersion,
		POIs:          payload.PreTransactionPOIsPerTxidLeafPerList,
		DryRun:        method == chain.MethodPreAuthorize,
	}
	resp, err := r.exec.Process(ctx, execReq)
	if errors.Is(err, executor.ErrAlreadySent) {
		return topicChain, method, OutcomeDroppedSent
	}
	if err != nil {
		r.logger.Info("request failed",
			slog.String("chain", fields.chain.String()),
			slog.String("method", string(method)),
			slog.String("code", string(errs.CodeOf(err))),
			slog.Any("error", err))
		return topicChain, method, responder.fail(err, allowDebug)
	}

	// Responded.
	if method == chain.MethodPreAuthorize {
		return topicChain, method, responder.send(preAuthorized(resp), false)
	}
	return topicChain, method, responder.send(transactResult{TxHash: resp.TxHash.Hex()}, false)
}

func preAuthorized(resp executor.Response) preAuthorizeResult {
	out := preAuthorizeResult{GasLimit: strconv.FormatUint(resp.GasLimit, 10)}
	if resp.Gas.GasPrice != nil {
		out.GasPrice = resp.Gas.GasPrice.String()
	}
	if resp.Gas.MaxFeePerGas != nil {
		out.MaxFeePerGas = resp.Gas.MaxFeePerGas.String()
	}
	if resp.Gas.MaxPriorityFeePerGas != nil {
		out.MaxPriorityFeePerGas = resp.Gas.MaxPriorityFeePerGas.String()
	}
	if resp.Fee.Amount != nil {
		out.FeeToken = resp.Fee.Token.Hex()
		out.FeeAmount = resp.Fee.Amount.String()
	}
	return out
}

type responder struct {
	r      *Router
	ctx    context.Context
	topic  string
	method chain.Method
	id     json.RawMessage
	key    []byte
}

func (r *Router) responder(ctx context.Context, c chain.ID, method chain.Method, id json.RawMessage, key []byte) responder {
	return responder{
		r:      r,
		ctx:    ctx,
		topic:  r.topics.For(c, method.Response()),
		method: method,
		id:     id,
		key:    key,
	}
}

func (p responder) fail(err error, allowDebug bool) Outcome {
	message := errs.Sanitize(err, allowDebug)
	if p.method == chain.MethodPreAuthorize {
		return p.send(preAuthorizeResult{Error: message}, true)
	}
	return p.send(transactResult{Error: message}, true)
}

func (p responder) send(result any, isError bool) Outcome {
	ct, err := envelope.EncryptJSON(p.key, result)
	if err != nil {
		p.r.logger.Error("encrypt response failed", slog.Any("error", err))
		return OutcomePublishFailed
	}
	id := p.id
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, err := json.Marshal(Response{JSONRPC: jsonRPCVersion, Result: ct, ID: id})
	if err != nil {
		p.r.logger.Error("encode response failed", slog.Any("error", err))
		return OutcomePublishFailed
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.r.respTimeout)
	defer cancel()
	if err := p.r.transport.Publish(ctx, p.topic, body); err != nil {
		p.r.logger.Warn("publish response failed", slog.String("topic", p.topic), slog.Any("error", err))
		return OutcomePublishFailed
	}
	if isError {
		return OutcomeRespondedError
	}
	return OutcomeResponded
}
