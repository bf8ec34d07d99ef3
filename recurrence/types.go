/*
Package recurrence provides the recurring-transaction engine.

PURPOSE:
  Turns a single transaction marked "recorrente" into a time-ordered series
  of occurrences. Some occurrences are persisted (materialized), the ones
  beyond the materialization horizon are computed on demand (previews).

KEY CONCEPTS IN THIS FILE (types.go):
  - Series:     The recurrence definition (tipo, anchor date, amount)
  - Occurrence: One concrete transaction, belonging to a series or standalone
  - Entry:      Tagged variant returned by reads: Materialized | Preview
  - Scope:      How far an edit to one FIXA occurrence propagates

TWO RECURRENCE KINDS:
  PARCELADA: finite installments, all materialized on creation.
  FIXA:      open-ended monthly recurrence, materialized in a rolling window.

  They share storage but never share semantics: a PARCELADA series has a
  fixed count, a FIXA series runs until cancelled.

PREVIEW MARKER:
  An occurrence without ID is a preview. There is no separate flag.
  Reads wrap occurrences in Entry so consumers type-switch instead of
  checking the ID by hand.

SEE ALSO:
  - materializer.go: Series -> persisted occurrences
  - projection.go:   Series -> preview beyond the horizon
  - scope.go:        Edit scope resolution
  - query.go:        Month listing
*/
package recurrence

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SeriesID string
type OccurrenceID string
type OwnerID string

// =============================================================================
// ENUMS
// =============================================================================

// Tipo is the recurrence kind. Immutable after creation.
type Tipo string

const (
	TipoParcelada Tipo = "PARCELADA" // finite installments
	TipoFixa      Tipo = "FIXA"      // open-ended monthly
)

func (t Tipo) Valid() bool { return t == TipoParcelada || t == TipoFixa }

// MaxParcelas bounds an installment plan to one hundred years.
const MaxParcelas = 1200

// Frequencia is the recurrence frequency. Only monthly is supported.
type Frequencia string

const FrequenciaMensal Frequencia = "MENSAL"

// TipoFluxo is the cash-flow direction.
type TipoFluxo string

const (
	FluxoReceita TipoFluxo = "RECEITA"
	FluxoDespesa TipoFluxo = "DESPESA"
)

func (t TipoFluxo) Valid() bool { return t == FluxoReceita || t == FluxoDespesa }

// Scope is the edit scope chosen by the user for an occurrence of a FIXA series.
type Scope string

const (
	ScopeNone              Scope = ""
	ScopeApenasEsta        Scope = "APENAS_ESTA"
	ScopeDestaDataEmDiante Scope = "DESTA_DATA_EM_DIANTE"
	ScopeTodas             Scope = "TODAS"
)

// ParseScope accepts the wire value of escopoEdicao. Empty means no scope.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeNone, ScopeApenasEsta, ScopeDestaDataEmDiante, ScopeTodas:
		return sc, nil
	default:
		return ScopeNone, &ValidationError{Field: "escopoEdicao", Reason: fmt.Sprintf("unknown scope %q", s)}
	}
}

// =============================================================================
// SERIES - The recurrence definition
// =============================================================================

type Series struct {
	ID         SeriesID
	OwnerID    OwnerID
	Tipo       Tipo
	Frequencia Frequencia

	ValorBase          decimal.Decimal
	ValorTotalOriginal *decimal.Decimal
	CategoriaID        string
	DescricaoBase      string
	Observacoes        string
	TipoFluxo          TipoFluxo

	// DataInicio is the date of the first occurrence.
	DataInicio Date
	// DiaAncora is the day-of-month every occurrence aims for. Zero means DataInicio.Day().
	DiaAncora int

	// QuantidadeParcelas is the installment count. PARCELADA only.
	QuantidadeParcelas int

	Ativa bool
	// DataFim is the last date an occurrence may fall on, if any.
	DataFim *Date

	// ParcelasGeradas is the highest parcela ever materialized.
	ParcelasGeradas int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Anchor returns the effective day-of-month anchor.
func (s Series) Anchor() int {
	if s.DiaAncora > 0 {
		return s.DiaAncora
	}
	return s.DataInicio.Day()
}

// IsActiveFixa reports whether edit scopes apply to the series' occurrences.
func (s Series) IsActiveFixa() bool {
	return s.Tipo == TipoFixa && s.Ativa
}

// DateOf returns the date of the k-th occurrence (1-based).
func (s Series) DateOf(parcela int) Date {
	return NthMonthlyDate(s.DataInicio, s.Anchor(), parcela)
}

// Within reports whether d respects the series' end cap.
func (s Series) Within(d Date) bool {
	return s.DataFim == nil || d.BeforeOrEqual(*s.DataFim)
}

// Validate checks the definition before any write.
func (s Series) Validate() error {
	if !s.Tipo.Valid() {
		return &ValidationError{Field: "tipoRecorrencia", Reason: fmt.Sprintf("unknown recurrence type %q", s.Tipo)}
	}
	if s.Frequencia != FrequenciaMensal {
		return &ValidationError{Field: "frequencia", Reason: fmt.Sprintf("unsupported frequency %q", s.Frequencia)}
	}
	if s.DataInicio.IsZero() {
		return &ValidationError{Field: "dataTransacao", Reason: "start date is required"}
	}
	if s.Tipo == TipoParcelada && s.QuantidadeParcelas < 2 {
		return &ValidationError{Field: "quantidadeParcelas", Reason: "installment series needs at least 2 installments"}
	}
	if s.Tipo == TipoParcelada && s.QuantidadeParcelas > MaxParcelas {
		return &ValidationError{Field: "quantidadeParcelas", Reason: fmt.Sprintf("installment series allows at most %d installments", MaxParcelas)}
	}
	if s.DiaAncora < 0 || s.DiaAncora > 31 {
		return &ValidationError{Field: "diaAncora", Reason: "anchor day must be within 1..31"}
	}
	return Fields{
		Valor:       s.ValorBase,
		CategoriaID: s.CategoriaID,
		Descricao:   s.DescricaoBase,
		TipoFluxo:   s.TipoFluxo,
	}.Validate()
}

// apply overwrites the series' mutable definition with edited fields.
func (s Series) apply(f Fields) Series {
	s.ValorBase = f.Valor
	s.CategoriaID = f.CategoriaID
	s.DescricaoBase = f.Descricao
	s.Observacoes = f.Observacoes
	if f.TipoFluxo != "" {
		s.TipoFluxo = f.TipoFluxo
	}
	return s
}

// valorOf returns the amount of the k-th occurrence. A PARCELADA series
// created from a total carries the rounding remainder on its first installment.
func (s Series) valorOf(parcela int) decimal.Decimal {
	if s.Tipo == TipoParcelada && s.ValorTotalOriginal != nil && parcela == 1 {
		rest := s.ValorBase.Mul(decimal.NewFromInt(int64(s.QuantidadeParcelas - 1)))
		return s.ValorTotalOriginal.Sub(rest)
	}
	return s.ValorBase
}

// SplitTotal divides a total into n installments rounded to cents.
// It returns the regular installment and the first one, which absorbs the remainder.
func SplitTotal(total decimal.Decimal, n int) (regular, first decimal.Decimal) {
	regular = total.DivRound(decimal.NewFromInt(int64(n)), 2)
	first = total.Sub(regular.Mul(decimal.NewFromInt(int64(n - 1))))
	return regular, first
}

// occurrence builds the k-th occurrence of the series, without ID.
func (s Series) occurrence(parcela int) Occurrence {
	o := Occurrence{
		OwnerID:       s.OwnerID,
		SeriesID:      s.ID,
		ParcelaAtual:  parcela,
		DataTransacao: s.DateOf(parcela),
		Valor:         s.valorOf(parcela),
		CategoriaID:   s.CategoriaID,
		Descricao:     s.DescricaoBase,
		Observacoes:   s.Observacoes,
		TipoFluxo:     s.TipoFluxo,
	}
	if s.Tipo == TipoParcelada {
		o.TotalParcelas = s.QuantidadeParcelas
	}
	return o
}

// =============================================================================
// OCCURRENCE - One concrete transaction
// =============================================================================

type Occurrence struct {
	// ID is empty for previews.
	ID      OccurrenceID
	OwnerID OwnerID
	// SeriesID is empty for standalone transactions.
	SeriesID SeriesID

	ParcelaAtual  int
	TotalParcelas int

	DataTransacao Date
	Valor         decimal.Decimal
	CategoriaID   string
	Descricao     string
	Observacoes   string
	TipoFluxo     TipoFluxo

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o Occurrence) Materializado() bool { return o.ID != "" }
func (o Occurrence) Standalone() bool    { return o.SeriesID == "" }

// Badge is the installment label shown next to the occurrence ("3/10").
func (o Occurrence) Badge() string {
	if o.TotalParcelas > 0 && o.ParcelaAtual > 0 {
		return fmt.Sprintf("%d/%d", o.ParcelaAtual, o.TotalParcelas)
	}
	return ""
}

func (o Occurrence) apply(f Fields, withDate bool) Occurrence {
	o.Valor = f.Valor
	o.CategoriaID = f.CategoriaID
	o.Descricao = f.Descricao
	o.Observacoes = f.Observacoes
	if f.TipoFluxo != "" {
		o.TipoFluxo = f.TipoFluxo
	}
	if withDate && f.DataTransacao != nil {
		o.DataTransacao = *f.DataTransacao
	}
	return o
}

// =============================================================================
// FIELDS - User-editable transaction fields
// =============================================================================

// Fields carries the mutable fields of an edit.
// DataTransacao is honoured only where a date change is meaningful
// (standalone, detached, individual installment).
type Fields struct {
	Valor         decimal.Decimal
	CategoriaID   string
	Descricao     string
	Observacoes   string
	TipoFluxo     TipoFluxo
	DataTransacao *Date
}

func (f Fields) Validate() error {
	if f.Descricao == "" {
		return &ValidationError{Field: "descricao", Reason: "description is required"}
	}
	if f.Valor.IsZero() {
		return &ValidationError{Field: "valor", Reason: "amount must be non-zero"}
	}
	if f.CategoriaID == "" {
		return &ValidationError{Field: "categoriaId", Reason: "category is required"}
	}
	if f.TipoFluxo != "" && !f.TipoFluxo.Valid() {
		return &ValidationError{Field: "tipo", Reason: fmt.Sprintf("unknown flow type %q", f.TipoFluxo)}
	}
	return nil
}

// =============================================================================
// ENTRY - Materialized | Preview
// =============================================================================

// Entry is one element of a read: either a persisted occurrence or a preview.
// The set of implementations is closed; use a type switch.
type Entry interface {
	Data() Occurrence
	isEntry()
}

// Materialized is a persisted occurrence. Its ID is always set.
type Materialized struct{ Occurrence }

// Preview is a projected occurrence. It has no ID and cannot be written.
type Preview struct{ Occurrence }

func (m Materialized) Data() Occurrence { return m.Occurrence }
func (p Preview) Data() Occurrence      { return p.Occurrence }
func (Materialized) isEntry()           {}
func (Preview) isEntry()                {}

// Classify wraps an occurrence in its variant, using the ID as the marker.
func Classify(o Occurrence) Entry {
	if o.ID == "" {
		return Preview{o}
	}
	return Materialized{o}
}
