package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Static errors for schema resolution. Every one of these is fatal for the
// whole run: an unreconcilable schema is a data-contract break, not a
// skippable file.
var (
	ErrSchemaUnresolved = errors.New("headers cannot be reconciled to required columns")
	ErrDuplicateColumns = errors.New("duplicate column names after mapping")
	ErrOracleAbort      = errors.New("column-matching oracle aborted")
	ErrNoOracle         = errors.New("no column-matching oracle configured")
)

// Resolution is the outcome of reconciling a file's raw headers against
// the canonical schema. Mapping is raw→canonical renames; ImportantOnly
// reports that only the reduced important-column subset will be populated.
type Resolution struct {
	Mapping       map[string]string
	ImportantOnly bool
	Reason        string
}

// Resolver decides how incoming columns map to canonical columns, using
// deterministic rules first and the oracle only as a last resort.
type Resolver struct {
	oracle Oracle
	logger *slog.Logger
}

func NewResolver(oracle Oracle, logger *slog.Logger) *Resolver {
	return &Resolver{oracle: oracle, logger: logger}
}

// Resolve runs the matching steps in strict order, first match wins:
//
//  1. exact match (case-insensitive) against the full canonical schema
//  2. deterministic alias-table match of the important columns
//  3. oracle-assisted important-column match
//  4. oracle-assisted full-schema match
//  5. abort
func (r *Resolver) Resolve(ctx context.Context, rawHeaders []string) (Resolution, error) {
	if exactCanonicalMatch(rawHeaders) {
		r.logger.Info("Headers match canonical schema (case-insensitive); skipping oracle")
		return Resolution{Mapping: map[string]string{}, Reason: "exact header match ignoring case"}, nil
	}

	if mapping, ok := aliasMatchImportant(rawHeaders); ok {
		if err := validateMapping(rawHeaders, mapping, ImportantColumns); err != nil {
			return Resolution{}, err
		}
		r.logger.Info("Resolved important columns via alias table; skipping oracle")
		return Resolution{
			Mapping:       mapping,
			ImportantOnly: true,
			Reason:        "deterministic alias match of important columns",
		}, nil
	}

	if r.oracle == nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrSchemaUnresolved, ErrNoOracle)
	}

	// Step 3: ask the oracle about the important columns only.
	res, err := r.oracle.SuggestMapping(ctx, rawHeaders, ImportantColumns)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Oracle important-column match unavailable: %v; trying full schema", err))
	} else if res.Status != StatusAbort {
		mapping := sanitizeOracleMapping(rawHeaders, res.Mapping, ImportantColumns)
		if coversAll(rawHeaders, mapping, ImportantColumns) {
			if err := validateMapping(rawHeaders, mapping, ImportantColumns); err != nil {
				return Resolution{}, err
			}
			r.logger.Info(fmt.Sprintf("Oracle resolved important columns: %s", res.Reason))
			return Resolution{
				Mapping:       mapping,
				ImportantOnly: true,
				Reason:        res.Reason,
			}, nil
		}
		r.logger.Warn("Oracle important-column mapping incomplete; trying full schema")
	}

	// Step 4: ask the oracle for a full-schema reconciliation.
	res, err = r.oracle.SuggestMapping(ctx, rawHeaders, CanonicalColumns)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: oracle full-schema match failed: %w", ErrSchemaUnresolved, err)
	}
	if res.Status == StatusAbort {
		return Resolution{}, fmt.Errorf("%w: %s", ErrOracleAbort, res.Reason)
	}

	mapping := map[string]string{}
	if res.Status != StatusMatch {
		mapping = sanitizeOracleMapping(rawHeaders, res.Mapping, CanonicalColumns)
	}
	if err := validateMapping(rawHeaders, mapping, CanonicalColumns); err != nil {
		return Resolution{}, err
	}
	return Resolution{Mapping: mapping, Reason: res.Reason}, nil
}

// exactCanonicalMatch reports whether the raw headers equal the canonical
// ones, position by position, ignoring case and surrounding whitespace.
func exactCanonicalMatch(rawHeaders []string) bool {
	if len(rawHeaders) != len(CanonicalColumns) {
		return false
	}
	for i, h := range rawHeaders {
		if !strings.EqualFold(strings.TrimSpace(h), CanonicalColumns[i]) {
			return false
		}
	}
	return true
}

// aliasMatchImportant tries to resolve every important column to exactly
// one raw column through the fixed alias tables. Ambiguous or missing
// columns make the whole step fail so the oracle can have a go.
func aliasMatchImportant(rawHeaders []string) (map[string]string, bool) {
	mapping := make(map[string]string)
	for _, canonical := range ImportantColumns {
		var matches []string
		for _, raw := range rawHeaders {
			if aliasTarget(raw) == canonical || strings.EqualFold(strings.TrimSpace(raw), canonical) {
				matches = append(matches, raw)
			}
		}
		if len(matches) != 1 {
			return nil, false
		}
		if matches[0] != canonical {
			mapping[matches[0]] = canonical
		}
	}
	return mapping, true
}

// sanitizeOracleMapping validates oracle output against the real header
// list. Raw names are corrected case-insensitively; entries naming columns
// that do not exist, targets outside the requested set, and self-mappings
// are dropped. A raw column that already exactly matches a canonical name
// is never remapped, even if the oracle suggests otherwise.
func sanitizeOracleMapping(rawHeaders []string, suggested map[string]string, targetHeaders []string) map[string]string {
	byUpper := make(map[string]string, len(rawHeaders))
	for _, h := range rawHeaders {
		byUpper[strings.ToUpper(strings.TrimSpace(h))] = h
	}
	targets := make(map[string]string, len(targetHeaders))
	for _, t := range targetHeaders {
		targets[strings.ToUpper(t)] = t
	}

	mapping := make(map[string]string, len(suggested))
	for rawName, canonicalName := range suggested {
		actualRaw, ok := byUpper[strings.ToUpper(strings.TrimSpace(rawName))]
		if !ok {
			continue
		}
		actualTarget, ok := targets[strings.ToUpper(strings.TrimSpace(canonicalName))]
		if !ok {
			continue
		}
		if actualRaw == actualTarget {
			continue
		}
		if isCanonicalName(actualRaw) {
			// Self-mapping rule: this raw column already is a canonical
			// column name; leave it alone. Checked against the full schema,
			// not just the requested targets, so an important-column match
			// cannot steal a column like STATUS.
			continue
		}
		mapping[actualRaw] = actualTarget
	}
	return mapping
}

// isCanonicalName reports whether name is exactly one of the canonical
// column names.
func isCanonicalName(name string) bool {
	for _, c := range CanonicalColumns {
		if name == c {
			return true
		}
	}
	return false
}

// coversAll reports whether applying mapping to the raw headers yields
// every required column.
func coversAll(rawHeaders []string, mapping map[string]string, required []string) bool {
	have := make(map[string]bool, len(rawHeaders))
	for _, h := range rawHeaders {
		name := strings.TrimSpace(h)
		if renamed, ok := mapping[h]; ok {
			name = renamed
		}
		have[strings.ToUpper(name)] = true
	}
	for _, req := range required {
		if !have[strings.ToUpper(req)] {
			return false
		}
	}
	return true
}

// validateMapping enforces the two hard invariants: applying the mapping
// must not collapse two raw columns onto the same name, and the result
// must contain at least the required column set.
func validateMapping(rawHeaders []string, mapping map[string]string, required []string) error {
	final := make([]string, 0, len(rawHeaders))
	seen := make(map[string]bool, len(rawHeaders))
	for _, h := range rawHeaders {
		name := strings.TrimSpace(h)
		if renamed, ok := mapping[h]; ok {
			name = renamed
		}
		if seen[strings.ToUpper(name)] {
			return fmt.Errorf("%w: %q", ErrDuplicateColumns, name)
		}
		seen[strings.ToUpper(name)] = true
		final = append(final, name)
	}

	var missing []string
	for _, req := range required {
		if !seen[strings.ToUpper(req)] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v after mapping %v", ErrSchemaUnresolved, missing, final)
	}
	return nil
}
