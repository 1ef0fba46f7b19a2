// Package ref encodes and decodes the string references that cross-link
// agents to actions and tools. An action ref is "domain|actionID"; a tool ref
// is "functionName|domain". The delimiter is reserved: it never occurs in a
// domain, action id, or function name, and the codec rejects inputs that
// contain it.
package ref

import (
	"fmt"
	"strings"

	"github.com/strandhq/toolbind/pkg/types"
)

// Delim separates the two fields of an encoded reference.
const Delim = "|"

// EncodeActionRef builds the reference stored in an agent's action list.
func EncodeActionRef(domain, actionID string) (string, error) {
	if err := checkField("domain", domain); err != nil {
		return "", err
	}
	if err := checkField("action id", actionID); err != nil {
		return "", err
	}
	return domain + Delim + actionID, nil
}

// EncodeToolRef builds the reference stored in an agent's tool list.
func EncodeToolRef(functionName, domain string) (string, error) {
	if err := checkField("function name", functionName); err != nil {
		return "", err
	}
	if err := checkField("domain", domain); err != nil {
		return "", err
	}
	return functionName + Delim + domain, nil
}

// ContainsID reports whether a reference mentions the given id. This is a
// substring test: ids are opaque generated strings, so a well-formed id can
// only match as a whole field.
func ContainsID(r, id string) bool {
	return id != "" && strings.Contains(r, id)
}

// SplitActionRef recovers (domain, actionID) from an encoded action ref.
func SplitActionRef(r string) (domain, actionID string, err error) {
	first, second, err := split(r)
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}

// SplitToolRef recovers (functionName, domain) from an encoded tool ref.
func SplitToolRef(r string) (functionName, domain string, err error) {
	return split(r)
}

// ToolRefDomain extracts just the domain field of a tool ref, or "" if the
// ref is malformed.
func ToolRefDomain(r string) string {
	_, domain, err := split(r)
	if err != nil {
		return ""
	}
	return domain
}

func split(r string) (string, string, error) {
	first, second, ok := strings.Cut(r, Delim)
	if !ok {
		return "", "", types.ErrInvalidRef(fmt.Sprintf("reference %q has no delimiter", r))
	}
	return first, second, nil
}

func checkField(name, v string) error {
	if v == "" {
		return types.ErrInvalidRef(name + " is empty")
	}
	if strings.Contains(v, Delim) {
		return types.ErrInvalidRef(fmt.Sprintf("%s %q contains reserved delimiter", name, v))
	}
	return nil
}
