package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces anything the relayer must not write to its logs.
const RedactedValue = "[REDACTED]"

// secretKeys never reach the output, whichever helper built the attribute.
// Matching ignores case and the separators used across config and code.
var secretKeys = map[string]struct{}{
	"viewingkey":  {},
	"walletkey":   {},
	"privatekey":  {},
	"passphrase":  {},
	"apikey":      {},
	"mnemonic":    {},
	"sharedkey":   {},
	"authsecret":  {},
	"bearertoken": {},
}

// Fields the relayer logs as-is through MaskField: chain coordinates, topics and
// public on-chain identifiers. Client supplied keys and payloads are not listed.
var redactionAllowlist = map[string]struct{}{
	"component":  {},
	"service":    {},
	"env":        {},
	"error":      {},
	"chain":      {},
	"method":     {},
	"topic":      {},
	"txHash":     {},
	"txid":       {},
	"feesID":     {},
	"wallet":     {},
	"metric":     {},
	"code":       {},
	"identifier": {},
	"version":    {},
	"listKey":    {},
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(key)
}

// IsSecret reports whether key names key material or a credential.
func IsSecret(key string) bool {
	_, ok := secretKeys[normalizeKey(key)]
	return ok
}

// IsAllowlisted reports whether MaskField emits key unchanged.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.TrimSpace(key)]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField keeps value only for allowlisted keys. Empty values pass through so
// a missing field stays distinguishable from a hidden one.
func MaskField(key, value string) slog.Attr {
	if IsSecret(key) {
		return slog.String(key, RedactedValue)
	}
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Fingerprint shortens a hex identifier such as a client pubkey to its first six
// and last four digits, keeping any 0x prefix. Short or secret values are masked.
func Fingerprint(key, value string) slog.Attr {
	trimmed := strings.TrimSpace(value)
	prefix := ""
	if len(trimmed) >= 2 && (trimmed[:2] == "0x" || trimmed[:2] == "0X") {
		prefix, trimmed = trimmed[:2], trimmed[2:]
	}
	if IsSecret(key) || len(trimmed) <= 12 {
		return MaskField(key, prefix+trimmed)
	}
	return slog.String(key, prefix+trimmed[:6]+"…"+trimmed[len(trimmed)-4:])
}

// scrubSecret is the handler hook backing IsSecret: it runs on every attribute,
// including those nested in groups.
func scrubSecret(attr slog.Attr) slog.Attr {
	if IsSecret(attr.Key) && attr.Value.Kind() != slog.KindGroup {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
