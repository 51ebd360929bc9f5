package engine_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/n-kumar7/sqlagent/internal/db"
)

type execFunc func(ctx context.Context, sql string) (db.ExecResult, error)

// fakePool hands out at most cap(slots) connections at a time.
type fakePool struct {
	slots     chan struct{}
	exec      execFunc
	released  atomic.Int32
	destroyed atomic.Int32
}

func newFakePool(size int, exec execFunc) *fakePool {
	if exec == nil {
		exec = func(context.Context, string) (db.ExecResult, error) {
			return db.ExecResult{RowsAffected: 1}, nil
		}
	}
	return &fakePool{slots: make(chan struct{}, size), exec: exec}
}

func (p *fakePool) Acquire(ctx context.Context) (db.Conn, error) {
	select {
	case p.slots <- struct{}{}:
		return &fakeConn{pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePool) Stat() db.PoolStat {
	return db.PoolStat{MaxConns: int32(cap(p.slots)), AcquiredConns: int32(len(p.slots))}
}

func (p *fakePool) Close() {}

type fakeConn struct {
	pool *fakePool
	once sync.Once
}

func (c *fakeConn) Exec(ctx context.Context, sql string, _ int) (db.ExecResult, error) {
	return c.pool.exec(ctx, sql)
}

func (c *fakeConn) Release() {
	c.once.Do(func() {
		c.pool.released.Add(1)
		<-c.pool.slots
	})
}

func (c *fakeConn) Destroy() {
	c.once.Do(func() {
		c.pool.destroyed.Add(1)
		<-c.pool.slots
	})
}
