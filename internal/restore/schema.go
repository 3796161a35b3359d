package restore

import (
	"regexp"
	"strings"

	"github.com/chbackup/ch-backup/internal/model"
)

// replicatedArgsPattern captures a ReplicatedMergeTree-family engine's
// first two constructor arguments (zookeeper path, replica name), which is
// all spec.md §4.6 phase 3 and DESIGN NOTES §9 ("Static-typed CREATE
// rewriting") ask a systems-language implementation to understand: engine
// prefix, parameters, and macro tokens, not full SQL parsing.
var replicatedArgsPattern = regexp.MustCompile(`(?i)^(Replicated\w*)\(\s*('([^']*)'|[^,)]+)\s*,\s*('([^']*)'|[^,)]+)\s*(,.*)?\)$`)

// normalizeCreateTable applies spec.md §4.6 phase 3's rewrite rules to t's
// engine/CREATE statement, returning a copy with the destination-facing
// values. UUID is preserved unconditionally for Atomic/Replicated engines
// so paths depending on it (disk layout, ZooKeeper znodes) stay stable.
func normalizeCreateTable(t model.Table, opts Options) model.Table {
	out := t
	if !strings.HasPrefix(strings.ToUpper(t.Engine), "REPLICATED") {
		return out
	}

	m := replicatedArgsPattern.FindStringSubmatch(strings.TrimSpace(t.Engine))
	if m == nil {
		// Engine string does not match the expected shape (e.g. zero-arg
		// ReplicatedMergeTree relying entirely on macros) - leave it as-is
		// rather than guess at a rewrite.
		return out
	}
	engineName, zkPath, replicaName, rest := m[1], m[2], m[4], m[6]

	switch {
	case opts.ForceNonReplicated:
		out.Engine = engineName[len("Replicated"):]
		out.CreateSQL = rewriteEngineClause(t.CreateSQL, t.Engine, out.Engine)
	case opts.OverrideReplicaName != "":
		newEngine := engineName + "(" + zkPath + ", " + quoteIfLiteral(replicaName, opts.OverrideReplicaName) + rest + ")"
		out.Engine = newEngine
		out.CreateSQL = rewriteEngineClause(t.CreateSQL, t.Engine, newEngine)
	}
	return out
}

// quoteIfLiteral mirrors the original replica argument's quoting style
// (quoted string literal vs. bare macro token) when substituting
// replacement for it.
func quoteIfLiteral(original, replacement string) string {
	if strings.HasPrefix(original, "'") {
		return "'" + replacement + "'"
	}
	return replacement
}

// rewriteEngineClause substitutes the engine clause within a full CREATE
// TABLE statement, leaving every other token (column list, macros, TTL
// clauses) untouched.
func rewriteEngineClause(createSQL, oldEngine, newEngine string) string {
	if oldEngine == "" {
		return createSQL
	}
	return strings.Replace(createSQL, oldEngine, newEngine, 1)
}
