package dbtrace

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PgxTracer reports pgx queries and connects to a Listener. Install it as
// pgx.ConnConfig.Tracer; pgxpool connections pick it up from the pool config.
type PgxTracer struct {
	Listener *Listener
}

var (
	_ pgx.QueryTracer   = (*PgxTracer)(nil)
	_ pgx.ConnectTracer = (*PgxTracer)(nil)
)

type pgxCommandKey struct{}

type pgxConnectKey struct{}

const methodPgxQuery = "Query"

func (t *PgxTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t == nil || t.Listener == nil {
		return ctx
	}
	id := uuid.NewString()
	ev := Event{Kind: CommandExecuting, CommandID: id, CommandText: data.SQL, ExecuteMethod: methodPgxQuery}
	if conn != nil {
		setPgxEndpoint(&ev, conn.Config())
	}
	t.Listener.OnEvent(ctx, ev)
	return context.WithValue(ctx, pgxCommandKey{}, id)
}

// TraceQueryEnd runs once rows are fully read or closed, so the timing covers
// the whole fetch.
func (t *PgxTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if t == nil || t.Listener == nil {
		return
	}
	id, _ := ctx.Value(pgxCommandKey{}).(string)
	if id == "" {
		return
	}
	if data.Err != nil {
		t.Listener.OnEvent(ctx, Event{Kind: CommandError, CommandID: id, Err: data.Err})
		return
	}
	t.Listener.OnEvent(ctx, Event{Kind: CommandExecuted, CommandID: id})
}

func (t *PgxTracer) TraceConnectStart(ctx context.Context, data pgx.TraceConnectStartData) context.Context {
	if t == nil || t.Listener == nil {
		return ctx
	}
	id := uuid.NewString()
	ev := Event{Kind: ConnectionOpening, ConnectionID: id}
	setPgxEndpoint(&ev, data.ConnConfig)
	t.Listener.OnEvent(ctx, ev)
	return context.WithValue(ctx, pgxConnectKey{}, id)
}

func (t *PgxTracer) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	if t == nil || t.Listener == nil {
		return
	}
	id, _ := ctx.Value(pgxConnectKey{}).(string)
	if id == "" {
		return
	}
	if data.Err != nil {
		t.Listener.OnEvent(ctx, Event{Kind: ConnectionError, ConnectionID: id, Err: data.Err})
		return
	}
	t.Listener.OnEvent(ctx, Event{Kind: ConnectionOpened, ConnectionID: id})
}

func setPgxEndpoint(ev *Event, cfg *pgx.ConnConfig) {
	if cfg == nil {
		return
	}
	ev.Database = cfg.Database
	ev.DataSource = cfg.Host
	if cfg.Port != 0 {
		ev.DataSource += ":" + strconv.Itoa(int(cfg.Port))
	}
}
