package recurrence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstallmentDates_NeverTruncatesSilently(t *testing.T) {
	for _, n := range []int{2, 12, MaxParcelas, 5000, 100000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			s := Series{
				ID:                 "s1",
				Tipo:               TipoParcelada,
				DataInicio:         NewDate(2025, time.October, 16),
				DiaAncora:          16,
				QuantidadeParcelas: n,
			}

			dates, err := Materializer{}.installmentDates(s)

			// either the whole plan or an error, never a shorter plan
			if err != nil {
				assert.Nil(t, dates)
				return
			}
			assert.Len(t, dates, n)
		})
	}
}
