package dbtrace

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
)

const (
	methodExec     = "ExecContext"
	methodQuery    = "QueryContext"
	methodQueryRow = "QueryRowContext"
)

// DB wraps a *sql.DB and reports every command to a Listener.
type DB struct {
	db         *sql.DB
	listener   *Listener
	database   string
	dataSource string
}

// Wrap instruments db. database and dataSource label the remote endpoint of
// every timing, for example "orders" and "db.internal:5432".
func Wrap(db *sql.DB, listener *Listener, database, dataSource string) *DB {
	if listener == nil {
		listener = NewListener(nil)
	}
	return &DB{db: db, listener: listener, database: database, dataSource: dataSource}
}

// Unwrap returns the underlying pool.
func (d *DB) Unwrap() *sql.DB {
	return d.db
}

func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.commands(d.db).exec(ctx, query, args)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	return d.commands(d.db).query(ctx, query, args)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return d.commands(d.db).queryRow(ctx, query, args)
}

// Conn reserves a single connection and reports its open and close.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	id := uuid.NewString()
	d.emit(ctx, Event{Kind: ConnectionOpening, ConnectionID: id})
	conn, err := d.db.Conn(ctx)
	if err != nil {
		d.emit(ctx, Event{Kind: ConnectionError, ConnectionID: id, Err: err})
		return nil, err
	}
	d.emit(ctx, Event{Kind: ConnectionOpened, ConnectionID: id})
	return &Conn{conn: conn, db: d, id: id}, nil
}

func (d *DB) emit(ctx context.Context, ev Event) {
	ev.Database = d.database
	ev.DataSource = d.dataSource
	d.listener.OnEvent(ctx, ev)
}

// queryer is the command surface shared by *sql.DB and *sql.Conn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type commandRunner struct {
	db     *DB
	target queryer
}

func (d *DB) commands(target queryer) commandRunner {
	return commandRunner{db: d, target: target}
}

func (c commandRunner) begin(ctx context.Context, method, query string) string {
	id := uuid.NewString()
	c.db.emit(ctx, Event{Kind: CommandExecuting, CommandID: id, CommandText: query, ExecuteMethod: method})
	return id
}

func (c commandRunner) exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	id := c.begin(ctx, methodExec, query)
	result, err := c.target.ExecContext(ctx, query, args...)
	if err != nil {
		c.db.emit(ctx, Event{Kind: CommandError, CommandID: id, Err: err})
		return nil, err
	}
	c.db.emit(ctx, Event{Kind: CommandExecuted, CommandID: id})
	return result, nil
}

func (c commandRunner) query(ctx context.Context, query string, args []any) (*Rows, error) {
	id := c.begin(ctx, methodQuery, query)
	rows, err := c.target.QueryContext(ctx, query, args...)
	if err != nil {
		c.db.emit(ctx, Event{Kind: CommandError, CommandID: id, Err: err})
		return nil, err
	}
	c.db.emit(ctx, Event{Kind: CommandExecuted, CommandID: id, ReturnsReader: true})
	return &Rows{Rows: rows, dispose: c.disposer(ctx, id)}, nil
}

func (c commandRunner) queryRow(ctx context.Context, query string, args []any) *Row {
	id := c.begin(ctx, methodQueryRow, query)
	row := c.target.QueryRowContext(ctx, query, args...)
	if err := row.Err(); err != nil {
		c.db.emit(ctx, Event{Kind: CommandError, CommandID: id, Err: err})
		return &Row{row: row}
	}
	c.db.emit(ctx, Event{Kind: CommandExecuted, CommandID: id, ReturnsReader: true})
	return &Row{row: row, dispose: c.disposer(ctx, id)}
}

func (c commandRunner) disposer(ctx context.Context, id string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.db.emit(ctx, Event{Kind: DataReaderDisposing, CommandID: id})
		})
	}
}

// Rows reports reader disposal on Close.
type Rows struct {
	*sql.Rows
	dispose func()
}

func (r *Rows) Close() error {
	err := r.Rows.Close()
	if r.dispose != nil {
		r.dispose()
	}
	return err
}

// Row reports reader disposal after Scan.
type Row struct {
	row     *sql.Row
	dispose func()
}

func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.dispose != nil {
		r.dispose()
	}
	return err
}

func (r *Row) Err() error {
	return r.row.Err()
}

// Conn is a single reserved connection.
type Conn struct {
	conn *sql.Conn
	db   *DB
	id   string
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.commands(c.conn).exec(ctx, query, args)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	return c.db.commands(c.conn).query(ctx, query, args)
}

func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return c.db.commands(c.conn).queryRow(ctx, query, args)
}

// Close returns the connection to the pool. ctx carries the profiler the
// close timing is recorded on.
func (c *Conn) Close(ctx context.Context) error {
	c.db.emit(ctx, Event{Kind: ConnectionClosing, ConnectionID: c.id})
	if err := c.conn.Close(); err != nil {
		c.db.emit(ctx, Event{Kind: ConnectionError, ConnectionID: c.id, Err: err})
		return err
	}
	c.db.emit(ctx, Event{Kind: ConnectionClosed, ConnectionID: c.id})
	return nil
}
