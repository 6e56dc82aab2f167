package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/ongoingai/profilerxray/internal/config"
	"github.com/ongoingai/profilerxray/internal/dbtrace"
	"github.com/ongoingai/profilerxray/internal/export"
	"github.com/ongoingai/profilerxray/internal/httpprof"
	"github.com/ongoingai/profilerxray/internal/observability"
	"github.com/ongoingai/profilerxray/internal/profiling"
)

type product struct {
	ID         int64
	Name       string
	PriceCents int64
}

var seedProducts = []product{
	{ID: 1, Name: "Desk lamp", PriceCents: 2499},
	{ID: 2, Name: "Standing desk", PriceCents: 38900},
	{ID: 3, Name: "Office chair", PriceCents: 17450},
}

type productStore interface {
	List(ctx context.Context) ([]product, error)
	Get(ctx context.Context, id int64) (product, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// openProductStore opens the sample database with every command reported to
// listener.
func openProductStore(ctx context.Context, cfg config.SampleAppConfig, listener *dbtrace.Listener) (productStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return newSQLiteProductStore(ctx, cfg.DSN, listener)
	case "postgres":
		return newPostgresProductStore(ctx, cfg.DSN, listener)
	default:
		return nil, fmt.Errorf("unsupported sample_app.driver %q", cfg.Driver)
	}
}

type sqliteProductStore struct {
	db *dbtrace.DB
}

func newSQLiteProductStore(ctx context.Context, dsn string, listener *dbtrace.Listener) (*sqliteProductStore, error) {
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sample database: %w", err)
	}
	// A shared in-memory database lives only as long as one connection does.
	raw.SetMaxOpenConns(1)
	store := &sqliteProductStore{db: dbtrace.Wrap(raw, listener, "main", "sqlite")}
	if err := store.seed(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteProductStore) seed(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    price_cents INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("create products table: %w", err)
	}
	for _, p := range seedProducts {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO products (id, name, price_cents) VALUES (?, ?, ?)`,
			p.ID, p.Name, p.PriceCents,
		); err != nil {
			return fmt.Errorf("seed product %d: %w", p.ID, err)
		}
	}
	return nil
}

func (s *sqliteProductStore) List(ctx context.Context) ([]product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, price_cents FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []product
	for rows.Next() {
		var p product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func (s *sqliteProductStore) Get(ctx context.Context, id int64) (product, bool, error) {
	var p product
	err := s.db.QueryRowContext(ctx, `SELECT id, name, price_cents FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return product{}, false, nil
	}
	if err != nil {
		return product{}, false, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, true, nil
}

func (s *sqliteProductStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteProductStore) Close() error {
	return s.db.Close()
}

type postgresProductStore struct {
	pool *pgxpool.Pool
}

func newPostgresProductStore(ctx context.Context, dsn string, listener *dbtrace.Listener) (*postgresProductStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse sample postgres dsn: %w", err)
	}
	poolConfig.ConnConfig.Tracer = &dbtrace.PgxTracer{Listener: listener}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open sample postgres pool: %w", err)
	}
	store := &postgresProductStore{pool: pool}
	if err := store.seed(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *postgresProductStore) seed(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS products (
    id BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    price_cents BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("create products table: %w", err)
	}
	batch := &pgx.Batch{}
	for _, p := range seedProducts {
		batch.Queue(
			`INSERT INTO products (id, name, price_cents) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.PriceCents,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed products: %w", err)
	}
	return nil
}

func (s *postgresProductStore) List(ctx context.Context) ([]product, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, price_cents FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (product, error) {
		var p product
		err := row.Scan(&p.ID, &p.Name, &p.PriceCents)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

func (s *postgresProductStore) Get(ctx context.Context, id int64) (product, bool, error) {
	var p product
	err := s.pool.QueryRow(ctx, `SELECT id, name, price_cents FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return product{}, false, nil
	}
	if err != nil {
		return product{}, false, fmt.Errorf("get product %d: %w", id, err)
	}
	return p, true, nil
}

func (s *postgresProductStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresProductStore) Close() error {
	s.pool.Close()
	return nil
}

type sampleAppOptions struct {
	Config      config.Config
	Sink        export.Sink
	Store       productStore
	Logger      *slog.Logger
	OTelRuntime *observability.Runtime
	// Pause stands in for work inside the /sample tree.
	Pause func(time.Duration)
}

// newSampleHandler builds the instrumented sample application.
func newSampleHandler(opts sampleAppOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pause := opts.Pause
	if pause == nil {
		pause = time.Sleep
	}
	app := &sampleApp{store: opts.Store, logger: logger, pause: pause}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", httpprof.StepFunc("Home.Index", app.index))
	mux.Handle("GET /products", httpprof.StepFunc("Products.List", app.listProducts))
	mux.Handle("GET /products/{id}", httpprof.StepFunc("Products.Get", app.getProduct))
	mux.Handle("GET /sample", httpprof.StepFunc("Sample.Tree", app.sampleTree))
	mux.HandleFunc("GET /healthz", app.healthz)

	var handler http.Handler = mux
	profilerOptions := &profiling.Options{TrackConnectionOpenClose: opts.Config.Profiler.TrackConnectionOpenClose}
	handler = httpprof.Middleware(httpprof.Options{
		Sink:            opts.Sink,
		Logger:          logger,
		ProfilerOptions: func() *profiling.Options { return profilerOptions },
		IgnoredPaths:    opts.Config.Profiler.IgnoredPaths,
		Limiter:         newProfileLimiter(opts.Config.Profiler.MaxProfilesPerSecond),
		OnComplete:      opts.OTelRuntime.EnrichSpan,
	}, handler)
	return opts.OTelRuntime.WrapHTTPHandler(handler)
}

func newProfileLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type sampleApp struct {
	store  productStore
	logger *slog.Logger
	pause  func(time.Duration)
}

func (a *sampleApp) index(w http.ResponseWriter, r *http.Request) {
	annotations := profiling.FromContext(r.Context()).StartAnnotations()
	annotations.AddAnnotation("page", "home")
	annotations.Stop()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "profilerxray sample")
	fmt.Fprintln(w, "  GET /products")
	fmt.Fprintln(w, "  GET /products/{id}")
	fmt.Fprintln(w, "  GET /sample")
}

func (a *sampleApp) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.store.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	annotations := profiling.FromContext(r.Context()).StartAnnotations()
	annotations.AddAnnotation("product_count", len(products))
	annotations.Stop()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, p := range products {
		fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.Name, formatCents(p.PriceCents))
	}
}

func (a *sampleApp) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	p, found, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !found {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.Name, formatCents(p.PriceCents))
}

func (a *sampleApp) sampleTree(w http.ResponseWriter, r *http.Request) {
	p := profiling.FromContext(r.Context())
	runSampleTree(p, a.pause)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "sample tree recorded")
}

func (a *sampleApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (a *sampleApp) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.ErrorContext(r.Context(), "sample request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
