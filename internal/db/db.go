// Package db adapts a PostgreSQL connection pool (pgx) to the narrow
// acquire/execute/release surface the workload runners use.
package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnreachable wraps a failed startup ping. Callers treat it as fatal.
var ErrUnreachable = errors.New("database unreachable")

// ExecResult is what a statement produced.
type ExecResult struct {
	RowsAffected int64
	Columns      []string
	// Sample holds up to the requested number of leading rows.
	Sample [][]any
}

// Conn is one leased connection. Exactly one of Release or Destroy must be
// called when the caller is done with it.
type Conn interface {
	Exec(ctx context.Context, sql string, sampleRows int) (ExecResult, error)
	Release()
	// Destroy closes the connection instead of returning it to the pool.
	Destroy()
}

// Pool hands out connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Stat() PoolStat
	Close()
}

type PoolStat struct {
	MaxConns          int32 `json:"max_conns"`
	TotalConns        int32 `json:"total_conns"`
	AcquiredConns     int32 `json:"acquired_conns"`
	IdleConns         int32 `json:"idle_conns"`
	EmptyAcquireCount int64 `json:"empty_acquire_count"`
}

type Options struct {
	DSN             string
	MaxConns        int
	ConnectTimeout  time.Duration
	ApplicationName string
	// StatementTimeout is set server-side as a backstop for the client
	// per-query deadline. Zero leaves the server default.
	StatementTimeout time.Duration
}

// PgxPool is the production Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

// Open parses the DSN, builds the pool and pings it once.
func Open(ctx context.Context, opts Options) (*PgxPool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}
	if opts.StatementTimeout > 0 {
		// A little slack so the client deadline normally fires first.
		ms := (opts.StatementTimeout + time.Second).Milliseconds()
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(ms, 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return &PgxPool{pool: pool}, nil
}

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

func (p *PgxPool) Stat() PoolStat {
	s := p.pool.Stat()
	return PoolStat{
		MaxConns:          s.MaxConns(),
		TotalConns:        s.TotalConns(),
		AcquiredConns:     s.AcquiredConns(),
		IdleConns:         s.IdleConns(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}

func (p *PgxPool) Close() {
	p.pool.Close()
}

// Raw exposes the underlying pool for catalog reads.
func (p *PgxPool) Raw() *pgxpool.Pool {
	return p.pool
}

type pgxConn struct {
	conn *pgxpool.Conn
}

// Exec runs sql over the simple protocol so any statement text the
// generator produces is accepted as-is, including multiple statements.
func (c *pgxConn) Exec(ctx context.Context, sql string, sampleRows int) (ExecResult, error) {
	var res ExecResult
	rows, err := c.conn.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return res, err
	}
	defer rows.Close()

	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		if len(res.Sample) < sampleRows {
			vals, err := rows.Values()
			if err != nil {
				return res, err
			}
			res.Sample = append(res.Sample, vals)
		}
	}
	if err := rows.Err(); err != nil {
		return res, err
	}
	res.RowsAffected = rows.CommandTag().RowsAffected()
	return res, nil
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

// Destroy asks the server to cancel whatever the backend is still running,
// then closes the connection. The pool opens a replacement on demand.
func (c *pgxConn) Destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw := c.conn.Hijack()
	_ = raw.PgConn().CancelRequest(ctx)
	_ = raw.Close(ctx)
}
