// Package rpcerr translates free-text errors from chain providers into typed
// kinds. It is the only place that matches on provider error strings; every
// supported provider wording needs a fixture in rpcerr_test.go.
package rpcerr

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"
)

// Kind classifies a provider error.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnderpriced
	KindBeyondHead
	KindNonceUsed
	KindAlreadyKnown
	KindTimeout
	KindRevert
	KindInsufficientFunds
)

func (k Kind) String() string {
	switch k {
	case KindUnderpriced:
		return "underpriced"
	case KindBeyondHead:
		return "beyond_head"
	case KindNonceUsed:
		return "nonce_used"
	case KindAlreadyKnown:
		return "already_known"
	case KindTimeout:
		return "timeout"
	case KindRevert:
		return "revert"
	case KindInsufficientFunds:
		return "insufficient_funds"
	default:
		return "unknown"
	}
}

// ProviderError is the typed form of a provider error.
type ProviderError struct {
	Kind Kind
	// SuggestedFee is the fee (wei) the provider asked for, when it said so.
	SuggestedFee *big.Int
	// Head is the provider's head block for KindBeyondHead errors, when reported.
	Head *big.Int
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

var (
	underpricedPatterns = []string{
		"underpriced",
		"gas price too low",
		"fee cap less than block base fee",
		"max fee per gas less than block base fee",
		"feecap too low",
		"tip cap too low",
		"gas tip cap",
		"maxfeepergas too low",
	}
	beyondHeadPatterns = []string{"beyond head block", "beyond current head"}
	noncePatterns      = []string{"nonce too low", "nonce has already been used", "nonce already used", "invalid nonce"}
	knownPatterns      = []string{"already known", "known transaction", "already imported"}
	timeoutPatterns    = []string{"timeout", "timed out", "deadline exceeded"}
	revertPatterns     = []string{"execution reverted", "revert", "always failing transaction"}
	fundsPatterns      = []string{"insufficient funds"}

	suggestedFeeRe = regexp.MustCompile(`(?i)(suggested|minimum needed|minimum|basefee|base fee|needed)[^0-9]{0,24}([0-9]+(?:\.[0-9]+)?)\s*(gwei|wei)?`)
	headRe         = regexp.MustCompile(`(?i)\bhead\b[\s:=,]*(?:block[\s:=,]*)?(?:number[\s:=,]*)?([0-9]+)`)
)

// Classify maps err onto a ProviderError. It returns nil for a nil error.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var existing *ProviderError
	if errors.As(err, &existing) {
		return existing
	}
	out := &ProviderError{Kind: KindUnknown, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = KindTimeout
		return out
	}
	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, beyondHeadPatterns):
		out.Kind = KindBeyondHead
		out.Head = parseHead(err.Error())
	case containsAny(text, underpricedPatterns):
		out.Kind = KindUnderpriced
		out.SuggestedFee = parseSuggestedFee(err.Error())
	case containsAny(text, noncePatterns):
		out.Kind = KindNonceUsed
	case containsAny(text, knownPatterns):
		out.Kind = KindAlreadyKnown
	case containsAny(text, fundsPatterns):
		out.Kind = KindInsufficientFunds
	case containsAny(text, revertPatterns):
		out.Kind = KindRevert
	case containsAny(text, timeoutPatterns):
		out.Kind = KindTimeout
	}
	return out
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	classified := Classify(err)
	return classified != nil && classified.Kind == kind
}

func containsAny(text string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// parseSuggestedFee takes the last fee figure introduced by a suggestion
// keyword. Values tagged "gwei" are scaled to wei; bare numbers are wei.
func parseSuggestedFee(text string) *big.Int {
	matches := suggestedFeeRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	last := matches[len(matches)-1]
	value, unit := last[2], strings.ToLower(last[3])
	if unit == "gwei" {
		return gweiToWei(value)
	}
	if strings.Contains(value, ".") {
		return nil
	}
	wei, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil
	}
	return wei
}

func parseHead(text string) *big.Int {
	matches := headRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	head, ok := new(big.Int).SetString(matches[len(matches)-1][1], 10)
	if !ok {
		return nil
	}
	return head
}

func gweiToWei(value string) *big.Int {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil
	}
	rat.Mul(rat, new(big.Rat).SetInt64(1_000_000_000))
	return new(big.Int).Quo(rat.Num(), rat.Denom())
}
