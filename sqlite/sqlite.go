// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements credential and trust anchor persistence with a
// SQLite database.
package sqlite

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS

	mdl "github.com/svipe/go-mdl"
	"github.com/svipe/go-mdl/cose"
	"github.com/svipe/go-mdl/session"
	"github.com/svipe/go-mdl/trust"
)

// DB implements credential persistence.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// Compile-time check for interface implementation correctness
var _ session.CredentialStore = (*DB)(nil)

// Open creates or opens a SQLite database file using a single non-pooled
// connection and creates the tables. If a password is given, the file is
// encrypted at rest with the xts VFS using a text key.
func Open(filename, password string) (*DB, error) {
	query := "?_pragma=foreign_keys(on)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := Init(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// New creates a DB. The expected tables must be created before the database
// is used.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created. It does not recognize if tables have
// been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials
			( name TEXT PRIMARY KEY
			, doc_type TEXT NOT NULL
			, issuer_auth BLOB NOT NULL
			, name_spaces BLOB NOT NULL
			, created_at INTEGER NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS root_certificates
			( der BLOB PRIMARY KEY
			, country TEXT
			)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
//
// If the database connection is associated with unfinalized prepared
// statements, open blob handles, and/or unfinished backup objects, Close will
// leave the database connection open and return [sqlite3.BUSY].
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// errNoRows is returned by query and remove and converted by callers into the
// error type of their domain.
var errNoRows = sql.ErrNoRows

// AddCredential stores an issued credential, replacing any credential with
// the same name. The issuer signature is not checked; use the verify package
// before storing.
func (db *DB) AddCredential(ctx context.Context, cred *mdl.Credential) error {
	if cred.Name == "" {
		return mdl.NewConfigurationError("Credential", "name", "name is required")
	}
	if len(cred.IssuerAuth) == 0 || len(cred.NameSpaces) == 0 {
		return mdl.NewConfigurationError("Credential", "issuerSigned", "issuer signed data is required")
	}
	if _, err := decodeIssuerAuth(cred.IssuerAuth); err != nil {
		return fmt.Errorf("credential %q: %w", cred.Name, err)
	}
	created := cred.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return db.insert(ctx, "credentials", map[string]any{
		"name":        cred.Name,
		"doc_type":    cred.DocType,
		"issuer_auth": cred.IssuerAuth,
		"name_spaces": cred.NameSpaces,
		"created_at":  created.Unix(),
	}, []string{"name"})
}

// GetIdentityCredential implements session.CredentialStore.
func (db *DB) GetIdentityCredential(ctx context.Context, name string) (*mdl.Credential, error) {
	cred := mdl.Credential{Name: name}
	var created int64
	if err := db.query(ctx, "credentials",
		[]string{"doc_type", "issuer_auth", "name_spaces", "created_at"},
		map[string]any{"name": name},
		&cred.DocType, &cred.IssuerAuth, &cred.NameSpaces, &created,
	); errors.Is(err, errNoRows) {
		return nil, &mdl.CredentialNotFoundError{Name: name}
	} else if err != nil {
		return nil, err
	}
	cred.CreatedAt = time.Unix(created, 0)
	return &cred, nil
}

// DeleteCredential removes a credential.
func (db *DB) DeleteCredential(ctx context.Context, name string) error {
	if err := remove(db.debugCtx(ctx), db.db, "credentials", map[string]any{"name": name}); errors.Is(err, errNoRows) {
		return &mdl.CredentialNotFoundError{Name: name}
	} else if err != nil {
		return err
	}
	return nil
}

// CredentialNames lists stored credentials in name order.
func (db *DB) CredentialNames(ctx context.Context) ([]string, error) {
	ctx = db.debugCtx(ctx)
	const query = "SELECT `name` FROM credentials ORDER BY `name`"
	debug(ctx, "sqlite: %s", query)
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddRootCertificate stores a trust anchor, optionally restricted to an
// issuing country.
func (db *DB) AddRootCertificate(ctx context.Context, cert *x509.Certificate, country string) error {
	var c any
	if country != "" {
		c = country
	}
	return db.insert(ctx, "root_certificates", map[string]any{
		"der":     cert.Raw,
		"country": c,
	}, []string{"der"})
}

// RootSet loads all stored trust anchors.
func (db *DB) RootSet(ctx context.Context) (*trust.RootSet, error) {
	ctx = db.debugCtx(ctx)
	const query = "SELECT `der`, `country` FROM root_certificates"
	debug(ctx, "sqlite: %s", query)
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying DB: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roots := trust.NewRootSet()
	for rows.Next() {
		var der []byte
		var country sql.NullString
		if err := rows.Scan(&der, &country); err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("error parsing stored root certificate: %w", err)
		}
		if err := roots.AddCertificate(cert, country.String); err != nil {
			return nil, err
		}
	}
	return roots, rows.Err()
}

func decodeIssuerAuth(data []byte) (*cose.Sign1, error) {
	var s1 cose.Sign1
	if err := s1.UnmarshalCBOR(data); err != nil {
		return nil, fmt.Errorf("invalid issuerAuth: %w", err)
	}
	return &s1, nil
}

func (db *DB) insert(ctx context.Context, table string, kvs map[string]any, upsertOnConflict []string) error {
	return insert(db.debugCtx(ctx), db.db, table, kvs, upsertOnConflict)
}

func (db *DB) query(ctx context.Context, table string, columns []string, where map[string]any, into ...any) error {
	return query(db.debugCtx(ctx), db.db, table, columns, where, into...)
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// If upsertOnConflict is non-empty, conflicting rows are updated in place.
func insert(ctx context.Context, db execer, table string, kvs map[string]any, upsertOnConflict []string) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var upsert string
	if len(upsertOnConflict) > 0 {
		var updates []string
		for _, key := range columns {
			if !slices.Contains(upsertOnConflict, key) {
				updates = append(updates, fmt.Sprintf("`%s` = excluded.`%s`", key, key))
			}
		}
		upsert = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET %s",
			strings.Join(upsertOnConflict, "`, `"), strings.Join(updates, ", "))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)%s",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		upsert,
	)
	debug(ctx, "sqlite: %s\n%+v", query, columns)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func where(conds map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(conds))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = conds[key]
	}
	return strings.Join(clauses, " AND "), vals
}

func query(ctx context.Context, db querier, table string, columns []string, conds map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}
	clause, vals := where(conds)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		clause,
	)
	debug(ctx, "sqlite: %s\n%+v", query, conds)

	if err := db.QueryRowContext(ctx, query, vals...).Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db execer, table string, conds map[string]any) error {
	clause, vals := where(conds)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clause)
	debug(ctx, "sqlite: %s\n%+v", query, vals)

	result, err := db.ExecContext(ctx, query, vals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return errNoRows
	}
	return nil
}
