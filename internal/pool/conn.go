package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// Conn is a live handle to a remote engine.
type Conn interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string) error

	// QueryString returns the first column of the first row. ok is false
	// when the query returned no rows or a NULL value.
	QueryString(ctx context.Context, query string, args ...any) (value string, ok bool, err error)

	// QueryIDNames runs a two-column (int, string) query.
	QueryIDNames(ctx context.Context, query string) (map[int]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new handles.
type Dialer interface {
	Dial(ctx context.Context, d Descriptor) (Conn, error)
}

// SQLDialer opens handles through database/sql.
type SQLDialer struct {
	ConnectTimeout time.Duration
}

func (sd SQLDialer) Dial(ctx context.Context, d Descriptor) (Conn, error) {
	driver, dsn, err := d.DSN(sd.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to %s: %w", d, err)
	}
	// One physical connection per descriptor.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d, err)
	}
	return &sqlConn{db: db}, nil
}

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Exec(ctx context.Context, stmt string) error {
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *sqlConn) QueryString(ctx context.Context, query string, args ...any) (string, bool, error) {
	var v sql.NullString
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, v.Valid, nil
}

func (c *sqlConn) QueryIDNames(ctx context.Context, query string) (map[int]string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[int]string)
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}
