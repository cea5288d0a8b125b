// Package sqlspy instruments database/sql drivers. Data sources are targets
// identified by URL and principal: connecting pays one delay cycle, and every
// statement is checked against the registry and recorded as a query.
package sqlspy

import (
	"context"
	"database/sql/driver"
	"time"

	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/socket"
	"GoSniffy/pkg/stats"
)

// Wrap instruments a connector. The returned connector is meant for
// sql.OpenDB.
func Wrap(c driver.Connector, url, principal string, ic *socket.Interceptor) driver.Connector {
	return &connector{base: c, target: meta.DataSourceTarget(url, principal), ic: ic}
}

type connector struct {
	base   driver.Connector
	target meta.Target
	ic     *socket.Interceptor
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	id := c.ic.NextID()
	start := time.Now()
	defer func() {
		key := meta.NewKey(c.target, id, c.ic.Trace(), scope.FromContext(ctx).Thread())
		c.ic.Record(key, stats.Sample{Elapsed: time.Since(start)})
	}()

	if err := c.ic.Check(ctx, "connect", c.target, 1, nil); err != nil {
		return nil, err
	}
	raw, err := c.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{raw: raw, target: c.target, id: id, ic: c.ic}, nil
}

func (c *connector) Driver() driver.Driver { return c.base.Driver() }

// query is one statement in flight.
type query struct {
	ctx   context.Context
	text  string
	start time.Time
}

type conn struct {
	raw    driver.Conn
	target meta.Target
	id     int64
	ic     *socket.Interceptor
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
)

func (c *conn) begin(ctx context.Context, text string) (query, error) {
	if err := c.ic.Check(ctx, "query", c.target, 0, nil); err != nil {
		return query{}, err
	}
	return query{ctx: ctx, text: text, start: time.Now()}, nil
}

func (c *conn) finish(q query, rows int64) {
	trace := q.text
	if site := c.ic.Trace(); site != "" {
		trace += "\n" + site
	}
	key := meta.NewKey(c.target, c.id, trace, scope.FromContext(q.ctx).Thread())
	c.ic.Record(key, stats.Sample{Elapsed: time.Since(q.start), Queries: 1, Rows: rows})
}

func (c *conn) Prepare(text string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), text)
}

func (c *conn) PrepareContext(ctx context.Context, text string) (driver.Stmt, error) {
	var (
		raw driver.Stmt
		err error
	)
	if p, ok := c.raw.(driver.ConnPrepareContext); ok {
		raw, err = p.PrepareContext(ctx, text)
	} else {
		raw, err = c.raw.Prepare(text)
	}
	if err != nil {
		return nil, err
	}
	return &stmt{raw: raw, conn: c, text: text}, nil
}

func (c *conn) Close() error { return c.raw.Close() }

// ResetSession and IsValid let the pool see the driver's own view of the
// connection.
func (c *conn) ResetSession(ctx context.Context) error {
	if r, ok := c.raw.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.raw.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.ic.Check(ctx, "begin", c.target, 0, nil); err != nil {
		return nil, err
	}
	if b, ok := c.raw.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.raw.Begin()
}

func (c *conn) Ping(ctx context.Context) error {
	if err := c.ic.Check(ctx, "ping", c.target, 0, nil); err != nil {
		return err
	}
	if p, ok := c.raw.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if v, ok := c.raw.(driver.NamedValueChecker); ok {
		return v.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// ExecContext returns driver.ErrSkip when the driver cannot execute
// directly; database/sql then falls back to an instrumented statement.
func (c *conn) ExecContext(ctx context.Context, text string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.raw.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	q, err := c.begin(ctx, text)
	if err != nil {
		return nil, err
	}
	res, err := execer.ExecContext(ctx, text, args)
	if err == driver.ErrSkip {
		return nil, err
	}
	c.finish(q, affected(res, err))
	return res, err
}

func (c *conn) QueryContext(ctx context.Context, text string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.raw.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	q, err := c.begin(ctx, text)
	if err != nil {
		return nil, err
	}
	raw, err := queryer.QueryContext(ctx, text, args)
	if err == driver.ErrSkip {
		return nil, err
	}
	if err != nil {
		c.finish(q, 0)
		return nil, err
	}
	return &rows{raw: raw, conn: c, q: q}, nil
}

func affected(res driver.Result, err error) int64 {
	if err != nil || res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type stmt struct {
	raw  driver.Stmt
	conn *conn
	text string
}

var (
	_ driver.StmtExecContext  = (*stmt)(nil)
	_ driver.StmtQueryContext = (*stmt)(nil)
)

func (s *stmt) Close() error  { return s.raw.Close() }
func (s *stmt) NumInput() int { return s.raw.NumInput() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	q, err := s.conn.begin(ctx, s.text)
	if err != nil {
		return nil, err
	}
	var res driver.Result
	if e, ok := s.raw.(driver.StmtExecContext); ok {
		res, err = e.ExecContext(ctx, args)
	} else {
		res, err = s.raw.Exec(values(args))
	}
	s.conn.finish(q, affected(res, err))
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	q, err := s.conn.begin(ctx, s.text)
	if err != nil {
		return nil, err
	}
	var raw driver.Rows
	if e, ok := s.raw.(driver.StmtQueryContext); ok {
		raw, err = e.QueryContext(ctx, args)
	} else {
		raw, err = s.raw.Query(values(args))
	}
	if err != nil {
		s.conn.finish(q, 0)
		return nil, err
	}
	return &rows{raw: raw, conn: s.conn, q: q}, nil
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func values(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, nv := range args {
		out[i] = nv.Value
	}
	return out
}

// rows records its query once closed, with the number of rows read.
type rows struct {
	raw  driver.Rows
	conn *conn
	q    query
	n    int64
	done bool
}

func (r *rows) Columns() []string { return r.raw.Columns() }

func (r *rows) Next(dest []driver.Value) error {
	err := r.raw.Next(dest)
	if err == nil {
		r.n++
	}
	return err
}

func (r *rows) Close() error {
	err := r.raw.Close()
	if !r.done {
		r.done = true
		r.conn.finish(r.q, r.n)
	}
	return err
}
