package schema

import (
	"context"
	"strings"
)

// Oracle statuses. MATCH means the headers already line up, RENAME carries
// a raw→canonical mapping, PARTIAL carries a mapping that covers only some
// of the requested columns, ABORT means the file is unrecognizable.
const (
	StatusMatch   = "MATCH"
	StatusRename  = "RENAME"
	StatusPartial = "PARTIAL"
	StatusAbort   = "ABORT"
)

// Result is the structured answer from a column-matching oracle.
//
// Mapping keys are raw column names, values are canonical names. The
// resolver treats every Result as untrusted and revalidates names against
// the real header list before use.
type Result struct {
	Status  string            `json:"status"`
	Mapping map[string]string `json:"mapping"`
	Reason  string            `json:"reason"`
}

// Oracle suggests how raw columns map onto target canonical columns. It is
// a capability, not a hard dependency: the resolver only consults it after
// deterministic matching fails.
type Oracle interface {
	SuggestMapping(ctx context.Context, rawHeaders, targetHeaders []string) (Result, error)
}

// StaticOracle is a deterministic, offline Oracle built on the fixed alias
// tables. It answers the same contract as the remote adapter and is the
// implementation used in tests.
type StaticOracle struct{}

func (StaticOracle) SuggestMapping(_ context.Context, rawHeaders, targetHeaders []string) (Result, error) {
	targets := make(map[string]bool, len(targetHeaders))
	for _, t := range targetHeaders {
		targets[strings.ToUpper(t)] = true
	}

	mapping := make(map[string]string)
	covered := make(map[string]bool)
	for _, raw := range rawHeaders {
		upper := strings.ToUpper(strings.TrimSpace(raw))
		if targets[upper] {
			covered[upper] = true
			continue
		}
		if canonical := aliasTarget(raw); canonical != "" && targets[canonical] {
			mapping[raw] = canonical
			covered[canonical] = true
		}
	}

	switch {
	case len(covered) == len(targetHeaders) && len(mapping) == 0:
		return Result{Status: StatusMatch, Reason: "headers already match"}, nil
	case len(covered) == len(targetHeaders):
		return Result{Status: StatusRename, Mapping: mapping, Reason: "resolved via alias table"}, nil
	case len(covered) > 0:
		return Result{Status: StatusPartial, Mapping: mapping, Reason: "alias table covered a subset of target columns"}, nil
	default:
		return Result{Status: StatusAbort, Reason: "no target column recognized"}, nil
	}
}
