/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names follow the
  transaction contract shared with existing clients (descricao, valor,
  dataTransacao, ...), so they are Portuguese and camelCase.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers

PREVIEW MARKER:
  OccurrenceDTO.ID is null for previews. preview, podeEditar and podeExcluir
  are derived from it and never set independently.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/transaction.go: Create and update request bodies
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/recurrence"
)

// PreviewBadge marks projected occurrences in listings.
const PreviewBadge = "PREVISÃO"

// =============================================================================
// OCCURRENCES
// =============================================================================

// OccurrenceDTO is one row of a month listing.
type OccurrenceDTO struct {
	ID              *string         `json:"id"`
	SeriesID        *string         `json:"seriesId"`
	ParcelaAtual    *int            `json:"parcelaAtual"`
	TotalParcelas   *int            `json:"totalParcelas,omitempty"`
	TipoRecorrencia string          `json:"tipoRecorrencia,omitempty"`
	DataTransacao   string          `json:"dataTransacao"`
	Valor           decimal.Decimal `json:"valor"`
	Tipo            string          `json:"tipo"`
	CategoriaID     string          `json:"categoriaId"`
	Descricao       string          `json:"descricao"`
	Observacoes     string          `json:"observacoes"`

	Preview       bool   `json:"preview"`
	Materializado bool   `json:"materializado"`
	Badge         string `json:"badge,omitempty"`
	PodeEditar    bool   `json:"podeEditar"`
	PodeExcluir   bool   `json:"podeExcluir"`
}

func toOccurrenceDTO(e recurrence.Entry) OccurrenceDTO {
	o := e.Data()
	dto := OccurrenceDTO{
		DataTransacao: o.DataTransacao.String(),
		Valor:         o.Valor,
		Tipo:          string(o.TipoFluxo),
		CategoriaID:   o.CategoriaID,
		Descricao:     o.Descricao,
		Observacoes:   o.Observacoes,
	}
	if o.SeriesID != "" {
		dto.SeriesID = strPtr(string(o.SeriesID))
		parcela := o.ParcelaAtual
		dto.ParcelaAtual = &parcela
		dto.TipoRecorrencia = string(recurrence.TipoFixa)
		if o.TotalParcelas > 0 {
			total := o.TotalParcelas
			dto.TotalParcelas = &total
			dto.TipoRecorrencia = string(recurrence.TipoParcelada)
		}
	}

	switch e.(type) {
	case recurrence.Preview:
		dto.Preview = true
		dto.Badge = PreviewBadge
	case recurrence.Materialized:
		dto.ID = strPtr(string(o.ID))
		dto.Materializado = true
		dto.Badge = o.Badge()
		dto.PodeEditar = true
		dto.PodeExcluir = true
	}
	return dto
}

func toOccurrenceDTOs(entries []recurrence.Entry) []OccurrenceDTO {
	out := make([]OccurrenceDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toOccurrenceDTO(e))
	}
	return out
}

// =============================================================================
// SERIES
// =============================================================================

type SeriesDTO struct {
	ID                 string           `json:"id"`
	Tipo               string           `json:"tipo"`
	Frequencia         string           `json:"frequencia"`
	ValorBase          decimal.Decimal  `json:"valorBase"`
	ValorTotalOriginal *decimal.Decimal `json:"valorTotalOriginal,omitempty"`
	CategoriaID        string           `json:"categoriaId"`
	DescricaoBase      string           `json:"descricaoBase"`
	Observacoes        string           `json:"observacoes"`
	TipoFluxo          string           `json:"tipoFluxo"`
	DataInicio         string           `json:"dataInicio"`
	DiaAncora          int              `json:"diaAncora"`
	QuantidadeParcelas int              `json:"quantidadeParcelas,omitempty"`
	Ativa              bool             `json:"ativa"`
	DataFim            *string          `json:"dataFim,omitempty"`
	ParcelasGeradas    int              `json:"parcelasGeradas"`
	CreatedAt          string           `json:"createdAt"`
	UpdatedAt          string           `json:"updatedAt"`
}

func toSeriesDTO(s recurrence.Series) SeriesDTO {
	dto := SeriesDTO{
		ID:                 string(s.ID),
		Tipo:               string(s.Tipo),
		Frequencia:         string(s.Frequencia),
		ValorBase:          s.ValorBase,
		ValorTotalOriginal: s.ValorTotalOriginal,
		CategoriaID:        s.CategoriaID,
		DescricaoBase:      s.DescricaoBase,
		Observacoes:        s.Observacoes,
		TipoFluxo:          string(s.TipoFluxo),
		DataInicio:         s.DataInicio.String(),
		DiaAncora:          s.Anchor(),
		QuantidadeParcelas: s.QuantidadeParcelas,
		Ativa:              s.Ativa,
		ParcelasGeradas:    s.ParcelasGeradas,
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          s.UpdatedAt.Format(time.RFC3339),
	}
	if s.DataFim != nil {
		dto.DataFim = strPtr(s.DataFim.String())
	}
	return dto
}

func toSeriesDTOs(series []recurrence.Series) []SeriesDTO {
	out := make([]SeriesDTO, 0, len(series))
	for _, s := range series {
		out = append(out, toSeriesDTO(s))
	}
	return out
}

// =============================================================================
// WRITES
// =============================================================================

// TransactionResultDTO lists what a create, update or delete left behind.
type TransactionResultDTO struct {
	Series      []SeriesDTO     `json:"series"`
	Occurrences []OccurrenceDTO `json:"occurrences"`
	Deleted     []string        `json:"deleted"`
}

func toResultDTO(r recurrence.Result) TransactionResultDTO {
	dto := TransactionResultDTO{
		Series:      toSeriesDTOs(r.Series),
		Occurrences: make([]OccurrenceDTO, 0, len(r.Occurrences)),
		Deleted:     make([]string, 0, len(r.Deleted)),
	}
	for _, o := range r.Occurrences {
		dto.Occurrences = append(dto.Occurrences, toOccurrenceDTO(recurrence.Classify(o)))
	}
	for _, id := range r.Deleted {
		dto.Deleted = append(dto.Deleted, string(id))
	}
	return dto
}

// CancelSeriesRequest ends a FIXA series. DataFim defaults to today.
type CancelSeriesRequest struct {
	DataFim string `json:"dataFim,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type MaterializeRunDTO struct {
	Series     int    `json:"series"`
	Created    int    `json:"created"`
	Failed     int    `json:"failed"`
	StartedAt  string `json:"startedAt"`
	DurationMS int64  `json:"durationMs"`
}

func toRunDTO(s RunSummary) MaterializeRunDTO {
	return MaterializeRunDTO{
		Series:     s.Series,
		Created:    s.Created,
		Failed:     s.Failed,
		StartedAt:  s.StartedAt.Format(time.RFC3339),
		DurationMS: s.Duration.Milliseconds(),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
