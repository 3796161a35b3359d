package chclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/uplo-tech/errors"
)

// quoteIdent backtick-quotes a ClickHouse identifier, doubling any
// embedded backtick the way ClickHouse itself expects.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Freeze issues ALTER TABLE ... FREEZE WITH NAME for one table
// (freeze.Freezer, spec.md §4.4 stage 1).
func (c *Client) Freeze(ctx context.Context, database, table, backupID string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s.%s FREEZE WITH NAME %s", quoteIdent(database), quoteIdent(table), quoteLiteral(backupID))
	_, err := c.db.ExecContext(ctx, stmt)
	return errors.AddContext(err, "freeze "+database+"."+table)
}

// Unfreeze removes one table's shadow subtree for backupID
// (freeze.Freezer, spec.md §4.4 stage 5 fallback).
func (c *Client) Unfreeze(ctx context.Context, database, table, backupID string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s.%s UNFREEZE WITH NAME %s", quoteIdent(database), quoteIdent(table), quoteLiteral(backupID))
	_, err := c.db.ExecContext(ctx, stmt)
	return errors.AddContext(err, "unfreeze "+database+"."+table)
}

// SystemUnfreeze issues SYSTEM UNFREEZE WITH NAME, the version-gated
// statement that unfreezes every table's shadow subtree for backupID in
// one call (freeze.Freezer). ClickHouse reports this via an "unknown
// statement" style error on versions predating it, which we treat as
// "unsupported" rather than a hard failure.
func (c *Client) SystemUnfreeze(ctx context.Context, backupID string) (bool, error) {
	stmt := fmt.Sprintf("SYSTEM UNFREEZE WITH NAME %s", quoteLiteral(backupID))
	_, err := c.db.ExecContext(ctx, stmt)
	if err == nil {
		return true, nil
	}
	if isUnsupportedStatement(err) {
		return false, nil
	}
	return false, errors.AddContext(err, "system unfreeze")
}

// quoteLiteral single-quotes a string literal for embedding in a
// statement, doubling embedded single quotes.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// isUnsupportedStatement reports whether err looks like ClickHouse
// rejecting a statement it does not recognize, rather than a real
// execution failure - the only signal available without parsing the
// server's numeric exception codes out of the driver's error type.
func isUnsupportedStatement(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "SYNTAX") || strings.Contains(msg, "UNKNOWN")
}
