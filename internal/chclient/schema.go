package chclient

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
)

// FetchDatabase reads back a database's own CREATE statement
// (lifecycle.SchemaFetcher, spec.md §4.2's catalog build).
func (c *Client) FetchDatabase(ctx context.Context, database string) (model.Database, error) {
	row := c.db.QueryRowContext(ctx, "SELECT engine, create_table_query, uuid FROM system.databases WHERE name = ?", database)
	var engine, createSQL, uuid string
	if err := row.Scan(&engine, &createSQL, &uuid); err != nil {
		return model.Database{}, errors.AddContext(err, "could not fetch database "+database)
	}
	return model.Database{
		Name:        database,
		Engine:      engine,
		UUID:        uuid,
		MetadataSQL: createSQL,
	}, nil
}

// FetchTable reads back a table's CREATE statement and engine
// (lifecycle.SchemaFetcher, spec.md §4.2's catalog build).
func (c *Client) FetchTable(ctx context.Context, database, table string) (model.Table, error) {
	row := c.db.QueryRowContext(ctx, "SELECT engine, create_table_query, uuid FROM system.tables WHERE database = ? AND name = ?", database, table)
	var engine, createSQL, uuid string
	if err := row.Scan(&engine, &createSQL, &uuid); err != nil {
		return model.Table{}, errors.AddContext(err, "could not fetch table "+database+"."+table)
	}
	return model.Table{
		Database:  database,
		Name:      table,
		Engine:    engine,
		UUID:      uuid,
		CreateSQL: createSQL,
	}, nil
}

// EnsureDatabase recreates a database from its recorded metadata,
// leaving it untouched if it already exists (restore.SchemaApplier,
// spec.md §4.6 phase 2).
func (c *Client) EnsureDatabase(ctx context.Context, db model.Database) error {
	exists, err := c.databaseExists(ctx, db.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := db.MetadataSQL
	if stmt == "" {
		stmt = fmt.Sprintf("CREATE DATABASE %s", quoteIdent(db.Name))
	}
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return errors.AddContext(err, "could not create database "+db.Name)
	}
	return nil
}

// EnsureTable recreates a table from its recorded CREATE statement. A
// same-named table with a different engine is dropped and recreated
// (spec.md §7 ErrSchemaMismatch), relying on ClickHouse's own
// max_table_size_to_drop guard to refuse an unexpectedly large drop -
// that guard's error is returned to the caller with model.ErrSchemaMismatch
// composed onto it rather than overridden, since overriding it is an
// operator decision, not this package's to make.
func (c *Client) EnsureTable(ctx context.Context, database string, t model.Table) error {
	existingEngine, exists, err := c.tableEngine(ctx, database, t.Name)
	if err != nil {
		return err
	}
	if exists {
		if existingEngine == t.Engine {
			return nil
		}
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s.%s", quoteIdent(database), quoteIdent(t.Name))); err != nil {
			return errors.Compose(model.ErrSchemaMismatch, errors.AddContext(err, "could not drop mismatched table "+database+"."+t.Name))
		}
	}
	if _, err := c.db.ExecContext(ctx, t.CreateSQL); err != nil {
		return errors.AddContext(err, "could not create table "+database+"."+t.Name)
	}
	return nil
}

// ListTables returns every table name in database, for the CLI's
// `backup --databases` convenience expansion (spec.md §6 "backup
// [--databases …]") into the explicit per-table list the rest of the
// engine operates on.
func (c *Client) ListTables(ctx context.Context, database string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT name FROM system.tables WHERE database = ?", database)
	if err != nil {
		return nil, errors.AddContext(err, "could not list tables in "+database)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.AddContext(err, "could not scan table name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListDatabases returns every non-system database name, for `restore-schema
// --source HOST`'s full-instance schema copy.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT name FROM system.databases WHERE name NOT IN ('system', 'information_schema', 'INFORMATION_SCHEMA')")
	if err != nil {
		return nil, errors.AddContext(err, "could not list databases")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.AddContext(err, "could not scan database name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *Client) databaseExists(ctx context.Context, database string) (bool, error) {
	var name string
	err := c.db.QueryRowContext(ctx, "SELECT name FROM system.databases WHERE name = ?", database).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.AddContext(err, "could not check database "+database)
	}
	return true, nil
}

func (c *Client) tableEngine(ctx context.Context, database, table string) (engine string, exists bool, err error) {
	err = c.db.QueryRowContext(ctx, "SELECT engine FROM system.tables WHERE database = ? AND name = ?", database, table).Scan(&engine)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.AddContext(err, "could not check table "+database+"."+table)
	}
	return engine, true, nil
}
