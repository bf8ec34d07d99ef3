/*
Package factory converts between the transaction JSON contract and engine inputs.

PURPOSE:
  The HTTP API and its clients speak a JSON contract with Portuguese field
  names. The factory turns request bodies into recurrence.CreateInput /
  UpdateInput, and builds the outgoing create request from a form
  submission on the client side.

JSON SCHEMA (create):
  {
    "descricao": "Netflix",
    "valor": "59.90",
    "dataTransacao": "2025-10-16",
    "tipo": "DESPESA",
    "categoriaId": "streaming",
    "observacoes": "",
    "recorrente": true,
    "tipoRecorrencia": "FIXA",
    "frequencia": "MENSAL"
  }

  Update adds "escopoEdicao" (APENAS_ESTA | DESTA_DATA_EM_DIANTE | TODAS).

RECORRENTE COUPLING:
  recorrente is true exactly when tipoRecorrencia is present. BuildCreateRequest
  derives both from the same form state, so a recurring submission can never
  go out with recorrente=false.

SEE ALSO:
  - recurrence/engine.go: CreateInput, UpdateInput
  - api/handlers.go:      Decodes these types
*/
package factory

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TransactionRequest is the body of POST /api/transactions.
type TransactionRequest struct {
	Descricao          string           `json:"descricao"`
	Valor              decimal.Decimal  `json:"valor"`
	DataTransacao      string           `json:"dataTransacao"`
	Tipo               string           `json:"tipo"`
	CategoriaID        string           `json:"categoriaId"`
	Observacoes        string           `json:"observacoes,omitempty"`
	Recorrente         bool             `json:"recorrente"`
	TipoRecorrencia    string           `json:"tipoRecorrencia,omitempty"`
	QuantidadeParcelas int              `json:"quantidadeParcelas,omitempty"`
	Frequencia         string           `json:"frequencia,omitempty"`
	ValorTotalOriginal *decimal.Decimal `json:"valorTotalOriginal,omitempty"`
}

// UpdateTransactionRequest is the body of PUT /api/transactions/{id}.
type UpdateTransactionRequest struct {
	TransactionRequest
	EscopoEdicao string `json:"escopoEdicao,omitempty"`
}

// =============================================================================
// REQUEST -> ENGINE INPUT
// =============================================================================

// ToCreateInput validates the wire values and converts them.
func (r TransactionRequest) ToCreateInput() (recurrence.CreateInput, error) {
	fields, err := r.fields()
	if err != nil {
		return recurrence.CreateInput{}, err
	}
	if fields.DataTransacao == nil {
		return recurrence.CreateInput{}, &recurrence.ValidationError{Field: "dataTransacao", Reason: "date is required"}
	}
	return recurrence.CreateInput{Fields: fields, Recurrence: r.recurrence()}, nil
}

// ToUpdateInput converts an update body. The date is optional on updates.
func (r UpdateTransactionRequest) ToUpdateInput() (recurrence.UpdateInput, error) {
	fields, err := r.fields()
	if err != nil {
		return recurrence.UpdateInput{}, err
	}
	scope, err := recurrence.ParseScope(r.EscopoEdicao)
	if err != nil {
		return recurrence.UpdateInput{}, err
	}
	return recurrence.UpdateInput{Fields: fields, Recurrence: r.recurrence(), Scope: scope}, nil
}

func (r TransactionRequest) fields() (recurrence.Fields, error) {
	f := recurrence.Fields{
		Valor:       r.Valor,
		CategoriaID: r.CategoriaID,
		Descricao:   r.Descricao,
		Observacoes: r.Observacoes,
		TipoFluxo:   recurrence.TipoFluxo(r.Tipo),
	}
	if r.DataTransacao != "" {
		d, err := recurrence.ParseDate(r.DataTransacao)
		if err != nil {
			return f, &recurrence.ValidationError{Field: "dataTransacao", Reason: err.Error()}
		}
		f.DataTransacao = &d
	}
	return f, nil
}

func (r TransactionRequest) recurrence() recurrence.Recurrence {
	rec := recurrence.Recurrence{
		Recorrente:         r.Recorrente,
		TipoRecorrencia:    recurrence.Tipo(r.TipoRecorrencia),
		QuantidadeParcelas: r.QuantidadeParcelas,
		Frequencia:         recurrence.Frequencia(r.Frequencia),
		ValorTotalOriginal: r.ValorTotalOriginal,
	}
	if rec.TipoRecorrencia != "" && rec.Frequencia == "" {
		rec.Frequencia = recurrence.FrequenciaMensal
	}
	return rec
}

// =============================================================================
// FORM SUBMISSION -> REQUEST (client side)
// =============================================================================

// FormSubmission is the state of the transaction form when the user saves.
// TipoRecorrencia may hold a stale choice while the recurring toggle is off.
type FormSubmission struct {
	Descricao     string
	Valor         decimal.Decimal
	DataTransacao recurrence.Date
	Tipo          recurrence.TipoFluxo
	CategoriaID   string
	Observacoes   string

	Recorrente         bool
	TipoRecorrencia    recurrence.Tipo
	QuantidadeParcelas int
	ValorTotal         *decimal.Decimal
}

// BuildCreateRequest produces the outgoing create body for a form submission.
func BuildCreateRequest(f FormSubmission) (TransactionRequest, error) {
	req := TransactionRequest{
		Descricao:     f.Descricao,
		Valor:         f.Valor,
		DataTransacao: f.DataTransacao.String(),
		Tipo:          string(f.Tipo),
		CategoriaID:   f.CategoriaID,
		Observacoes:   f.Observacoes,
	}
	if !f.Recorrente {
		return req, nil
	}

	if !f.TipoRecorrencia.Valid() {
		return TransactionRequest{}, &recurrence.ValidationError{Field: "tipoRecorrencia", Reason: "choose PARCELADA or FIXA"}
	}
	req.Recorrente = true
	req.TipoRecorrencia = string(f.TipoRecorrencia)
	req.Frequencia = string(recurrence.FrequenciaMensal)

	if f.TipoRecorrencia == recurrence.TipoParcelada {
		if f.QuantidadeParcelas < 2 {
			return TransactionRequest{}, &recurrence.ValidationError{Field: "quantidadeParcelas", Reason: "installment series needs at least 2 installments"}
		}
		if f.QuantidadeParcelas > recurrence.MaxParcelas {
			return TransactionRequest{}, &recurrence.ValidationError{Field: "quantidadeParcelas", Reason: fmt.Sprintf("installment series allows at most %d installments", recurrence.MaxParcelas)}
		}
		req.QuantidadeParcelas = f.QuantidadeParcelas
		// the server splits the total; valor stays zero so it does
		if f.ValorTotal != nil {
			total := *f.ValorTotal
			req.ValorTotalOriginal = &total
			req.Valor = decimal.Zero
		}
	}
	return req, nil
}
