package chain

import (
	"fmt"
	"strings"
)

// Method names a logical channel of the broadcaster protocol.
type Method string

const (
	MethodFees                 Method = "fees"
	MethodTransact             Method = "transact"
	MethodTransactResponse     Method = "transact-response"
	MethodPreAuthorize         Method = "pre-authorize"
	MethodPreAuthorizeResponse Method = "pre-authorize-response"
)

// DefaultNamespace is the protocol namespace used when none is configured.
const DefaultNamespace = "railgun/v2"

const (
	metricsTopicSuffix = "metrics"
	responseSuffix     = "-response"
	topicEncoding      = "json"
)

var knownMethods = map[Method]struct{}{
	MethodFees:                 {},
	MethodTransact:             {},
	MethodTransactResponse:     {},
	MethodPreAuthorize:         {},
	MethodPreAuthorizeResponse: {},
}

// Response returns the sibling response method. Response methods map to themselves.
func (m Method) Response() Method {
	if strings.HasSuffix(string(m), responseSuffix) {
		return m
	}
	return Method(string(m) + responseSuffix)
}

// IsResponse reports whether the method carries responses.
func (m Method) IsResponse() bool {
	return strings.HasSuffix(string(m), responseSuffix)
}

// Topics renders deterministic content topics for a protocol namespace.
type Topics struct {
	Namespace string
}

// NewTopics returns a topic renderer, defaulting the namespace when blank.
func NewTopics(namespace string) Topics {
	ns := strings.Trim(strings.TrimSpace(namespace), "/")
	if ns == "" {
		ns = DefaultNamespace
	}
	return Topics{Namespace: ns}
}

// For returns the content topic of a chain and method.
func (t Topics) For(c ID, m Method) string {
	return fmt.Sprintf("/%s/%s-%s/%s", t.namespace(), c.String(), m, topicEncoding)
}

// Metrics returns the chain agnostic metrics topic.
func (t Topics) Metrics() string {
	return fmt.Sprintf("/%s/%s/%s", t.namespace(), metricsTopicSuffix, topicEncoding)
}

// Parse extracts the chain and method from a content topic produced by For.
func (t Topics) Parse(topic string) (ID, Method, error) {
	prefix := "/" + t.namespace() + "/"
	suffix := "/" + topicEncoding
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, suffix) {
		return ID{}, "", fmt.Errorf("chain: foreign topic %q", topic)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), suffix)
	// body is "<type>-<id>-<method>", where method may itself contain dashes.
	parts := strings.SplitN(body, "-", 3)
	if len(parts) != 3 {
		return ID{}, "", fmt.Errorf("chain: malformed topic %q", topic)
	}
	c, err := parseParts(parts[0], parts[1])
	if err != nil {
		return ID{}, "", err
	}
	m := Method(parts[2])
	if _, ok := knownMethods[m]; !ok {
		return ID{}, "", fmt.Errorf("chain: unknown method %q", parts[2])
	}
	return c, m, nil
}

func (t Topics) namespace() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}
