package ledger

import (
	"context"
	"testing"

	"github.com/hiverun/controlplane/internal/apperr"
)

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil)

	for _, amount := range []int64{0, -1, -100} {
		_, err := l.Credit(context.Background(), "tenant-a", amount, "purchase", nil, nil, nil, nil)
		if !apperr.Is(err, apperr.KindInvalidInput) {
			t.Errorf("Credit(%d) error = %v, want InvalidInput", amount, err)
		}
	}
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil)

	for _, amount := range []int64{0, -1, -100} {
		_, err := l.Debit(context.Background(), "tenant-a", amount, "bot_runtime", nil, nil, false)
		if !apperr.Is(err, apperr.KindInvalidInput) {
			t.Errorf("Debit(%d) error = %v, want InvalidInput", amount, err)
		}
	}
}
