/*
Package sqlite provides a SQLite-backed implementation of recurrence.TxStore.

PURPOSE:
  Durable storage for series and occurrences. The same statements run
  against *sql.DB and *sql.Tx, so everything done inside WithTx sees its
  own writes and is rolled back together.

KEY TABLES:
  series:      Recurrence definitions (one row per series)
  occurrences: Materialized occurrences, recurring or standalone

INDEXES:
  - idx_unique_series_parcela: Enforces one occurrence per (series, parcela)
  - idx_occurrences_owner_date: Month listing (hot path)
  - idx_series_active_fixa:     Background materialization job

ENCODING:
  Amounts are stored as TEXT (decimal strings, no float rounding).
  Civil dates as YYYY-MM-DD, timestamps as RFC 3339.

MIGRATIONS:
  Versioned SQL files under migrations/, embedded in the binary and applied
  with golang-migrate on New().

CONCURRENCY:
  A single connection: SQLite has one writer anyway, and an in-memory
  database only exists on the connection that created it. Never call the
  Store from inside a WithTx callback; use the Store passed to it.

USAGE:
  store, err := sqlite.New("./data/recurrence.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - recurrence/store.go:        Interface definitions
  - recurrence/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/recurrence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// Store implements recurrence.TxStore using SQLite.
type Store struct {
	db *sql.DB
	ops
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, ops: ops{q: db}}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// runMigrations applies migrations on the store's own connection.
// The migrate instance is not closed: its driver would close db.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (recurrence.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(recurrence.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{ops: ops{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	ops
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds every statement, bound to a connection or a transaction.
type ops struct {
	q querier
}

// =============================================================================
// SERIES STORE
// =============================================================================

const seriesColumns = `id, owner_id, tipo, frequencia, valor_base, valor_total_original,
	categoria_id, descricao_base, observacoes, tipo_fluxo, data_inicio, dia_ancora,
	quantidade_parcelas, ativa, data_fim, parcelas_geradas, created_at, updated_at`

func (o ops) CreateSeries(ctx context.Context, s recurrence.Series) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	_, err := o.q.ExecContext(ctx, `INSERT INTO series (`+seriesColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), string(s.OwnerID), string(s.Tipo), string(s.Frequencia), s.ValorBase.String(), nullDecimal(s.ValorTotalOriginal),
		s.CategoriaID, s.DescricaoBase, s.Observacoes, string(s.TipoFluxo), s.DataInicio.String(), s.DiaAncora,
		s.QuantidadeParcelas, s.Ativa, nullDate(s.DataFim), s.ParcelasGeradas,
		s.CreatedAt.UTC().Format(timeLayout), s.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert series %s: %w", s.ID, err)
	}
	return nil
}

func (o ops) UpdateSeries(ctx context.Context, s recurrence.Series) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	res, err := o.q.ExecContext(ctx, `UPDATE series SET
			valor_base = ?, valor_total_original = ?, categoria_id = ?, descricao_base = ?,
			observacoes = ?, tipo_fluxo = ?, data_inicio = ?, dia_ancora = ?,
			quantidade_parcelas = ?, ativa = ?, data_fim = ?, parcelas_geradas = ?, updated_at = ?
		WHERE id = ?`,
		s.ValorBase.String(), nullDecimal(s.ValorTotalOriginal), s.CategoriaID, s.DescricaoBase,
		s.Observacoes, string(s.TipoFluxo), s.DataInicio.String(), s.DiaAncora,
		s.QuantidadeParcelas, s.Ativa, nullDate(s.DataFim), s.ParcelasGeradas, s.UpdatedAt.UTC().Format(timeLayout),
		string(s.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update series %s: %w", s.ID, err)
	}
	return expectRow(res, fmt.Errorf("update series %s: %w", s.ID, recurrence.ErrSeriesNotFound))
}

func (o ops) DeleteSeries(ctx context.Context, id recurrence.SeriesID) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM series WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete series %s: %w", id, err)
	}
	return expectRow(res, fmt.Errorf("delete series %s: %w", id, recurrence.ErrSeriesNotFound))
}

func (o ops) GetSeries(ctx context.Context, owner recurrence.OwnerID, id recurrence.SeriesID) (recurrence.Series, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ? AND owner_id = ?`, string(id), string(owner))
	s, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recurrence.Series{}, recurrence.ErrSeriesNotFound
	}
	if err != nil {
		return recurrence.Series{}, fmt.Errorf("failed to get series %s: %w", id, err)
	}
	return s, nil
}

func (o ops) ListSeries(ctx context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return o.querySeries(ctx, `SELECT `+seriesColumns+` FROM series
		WHERE owner_id = ? ORDER BY data_inicio, id`, string(owner))
}

func (o ops) ListActiveFixa(ctx context.Context) ([]recurrence.Series, error) {
	return o.querySeries(ctx, `SELECT `+seriesColumns+` FROM series
		WHERE tipo = 'FIXA' AND ativa = 1 ORDER BY owner_id, data_inicio, id`)
}

func (o ops) querySeries(ctx context.Context, query string, args ...any) ([]recurrence.Series, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var out []recurrence.Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

const occurrenceColumns = `id, owner_id, series_id, parcela_atual, total_parcelas, data_transacao,
	valor, categoria_id, descricao, observacoes, tipo_fluxo, created_at, updated_at`

func (o ops) InsertOccurrences(ctx context.Context, occs []recurrence.Occurrence) error {
	now := time.Now().UTC()
	for _, oc := range occs {
		if oc.ID == "" {
			return fmt.Errorf("insert occurrence: %w", recurrence.ErrPreviewImmutable)
		}
		if oc.CreatedAt.IsZero() {
			oc.CreatedAt = now
		}
		if oc.UpdatedAt.IsZero() {
			oc.UpdatedAt = now
		}
		_, err := o.q.ExecContext(ctx, `INSERT INTO occurrences (`+occurrenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(oc.ID), string(oc.OwnerID), nullString(string(oc.SeriesID)), nullParcela(oc), oc.TotalParcelas,
			oc.DataTransacao.String(), oc.Valor.String(), oc.CategoriaID, oc.Descricao, oc.Observacoes,
			string(oc.TipoFluxo), oc.CreatedAt.UTC().Format(timeLayout), oc.UpdatedAt.UTC().Format(timeLayout),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("series %s parcela %d: %w", oc.SeriesID, oc.ParcelaAtual, recurrence.ErrDuplicateOccurrence)
		}
		if err != nil {
			return fmt.Errorf("failed to insert occurrence %s: %w", oc.ID, err)
		}
	}
	return nil
}

func (o ops) UpdateOccurrence(ctx context.Context, oc recurrence.Occurrence) error {
	if oc.UpdatedAt.IsZero() {
		oc.UpdatedAt = time.Now().UTC()
	}
	res, err := o.q.ExecContext(ctx, `UPDATE occurrences SET
			series_id = ?, parcela_atual = ?, total_parcelas = ?, data_transacao = ?, valor = ?,
			categoria_id = ?, descricao = ?, observacoes = ?, tipo_fluxo = ?, updated_at = ?
		WHERE id = ?`,
		nullString(string(oc.SeriesID)), nullParcela(oc), oc.TotalParcelas, oc.DataTransacao.String(), oc.Valor.String(),
		oc.CategoriaID, oc.Descricao, oc.Observacoes, string(oc.TipoFluxo), oc.UpdatedAt.UTC().Format(timeLayout),
		string(oc.ID),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("series %s parcela %d: %w", oc.SeriesID, oc.ParcelaAtual, recurrence.ErrDuplicateOccurrence)
	}
	if err != nil {
		return fmt.Errorf("failed to update occurrence %s: %w", oc.ID, err)
	}
	return expectRow(res, fmt.Errorf("update occurrence %s: %w", oc.ID, recurrence.ErrOccurrenceNotFound))
}

func (o ops) DeleteOccurrences(ctx context.Context, ids []recurrence.OccurrenceID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := o.q.ExecContext(ctx, `DELETE FROM occurrences WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete occurrences: %w", err)
	}
	return nil
}

func (o ops) GetOccurrence(ctx context.Context, owner recurrence.OwnerID, id recurrence.OccurrenceID) (recurrence.Occurrence, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ? AND owner_id = ?`, string(id), string(owner))
	oc, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recurrence.Occurrence{}, recurrence.ErrOccurrenceNotFound
	}
	if err != nil {
		return recurrence.Occurrence{}, fmt.Errorf("failed to get occurrence %s: %w", id, err)
	}
	return oc, nil
}

func (o ops) ListBySeries(ctx context.Context, id recurrence.SeriesID) ([]recurrence.Occurrence, error) {
	return o.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM occurrences
		WHERE series_id = ? ORDER BY parcela_atual`, string(id))
}

func (o ops) ListByMonth(ctx context.Context, owner recurrence.OwnerID, year int, month time.Month) ([]recurrence.Occurrence, error) {
	from := recurrence.NewDate(year, month, 1)
	to := from.AddMonths(1)
	return o.queryOccurrences(ctx, `SELECT `+occurrenceColumns+` FROM occurrences
		WHERE owner_id = ? AND data_transacao >= ? AND data_transacao < ?
		ORDER BY data_transacao, created_at, rowid`, string(owner), from.String(), to.String())
}

func (o ops) queryOccurrences(ctx context.Context, query string, args ...any) ([]recurrence.Occurrence, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var out []recurrence.Occurrence
	for rows.Next() {
		oc, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanSeries(row scanner) (recurrence.Series, error) {
	var (
		s                                           recurrence.Series
		valorBase, dataInicio, createdAt, updatedAt string
		valorTotal, dataFim                         sql.NullString
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.Tipo, &s.Frequencia, &valorBase, &valorTotal,
		&s.CategoriaID, &s.DescricaoBase, &s.Observacoes, &s.TipoFluxo, &dataInicio, &s.DiaAncora,
		&s.QuantidadeParcelas, &s.Ativa, &dataFim, &s.ParcelasGeradas, &createdAt, &updatedAt)
	if err != nil {
		return s, err
	}

	if s.ValorBase, err = decimal.NewFromString(valorBase); err != nil {
		return s, fmt.Errorf("series %s: bad valor_base: %w", s.ID, err)
	}
	if valorTotal.Valid {
		v, err := decimal.NewFromString(valorTotal.String)
		if err != nil {
			return s, fmt.Errorf("series %s: bad valor_total_original: %w", s.ID, err)
		}
		s.ValorTotalOriginal = &v
	}
	if s.DataInicio, err = recurrence.ParseDate(dataInicio); err != nil {
		return s, fmt.Errorf("series %s: %w", s.ID, err)
	}
	if dataFim.Valid {
		d, err := recurrence.ParseDate(dataFim.String)
		if err != nil {
			return s, fmt.Errorf("series %s: %w", s.ID, err)
		}
		s.DataFim = &d
	}
	s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	s.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return s, nil
}

func scanOccurrence(row scanner) (recurrence.Occurrence, error) {
	var (
		oc                                 recurrence.Occurrence
		seriesID                           sql.NullString
		parcela                            sql.NullInt64
		dataTransacao, valor, created, upd string
	)
	err := row.Scan(&oc.ID, &oc.OwnerID, &seriesID, &parcela, &oc.TotalParcelas, &dataTransacao,
		&valor, &oc.CategoriaID, &oc.Descricao, &oc.Observacoes, &oc.TipoFluxo, &created, &upd)
	if err != nil {
		return oc, err
	}

	oc.SeriesID = recurrence.SeriesID(seriesID.String)
	oc.ParcelaAtual = int(parcela.Int64)
	if oc.DataTransacao, err = recurrence.ParseDate(dataTransacao); err != nil {
		return oc, fmt.Errorf("occurrence %s: %w", oc.ID, err)
	}
	if oc.Valor, err = decimal.NewFromString(valor); err != nil {
		return oc, fmt.Errorf("occurrence %s: bad valor: %w", oc.ID, err)
	}
	oc.CreatedAt, _ = time.Parse(timeLayout, created)
	oc.UpdatedAt, _ = time.Parse(timeLayout, upd)
	return oc, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDate(d *recurrence.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Time.Format(dateLayout), Valid: true}
}

// nullParcela stores no parcela for standalone occurrences.
func nullParcela(oc recurrence.Occurrence) sql.NullInt64 {
	if oc.SeriesID == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(oc.ParcelaAtual), Valid: true}
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

var _ recurrence.TxStore = (*Store)(nil)
