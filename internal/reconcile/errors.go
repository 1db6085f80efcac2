package reconcile

import (
	"fmt"

	"launchLedger/internal/model"
)

// AnomalyError reports a divergence between the derived store and what an event claims.
// The chain stays authoritative: the anomaly is recorded and processing continues.
type AnomalyError struct {
	Kind    model.AnomalyKind
	Subject string
	Detail  string
	// FlagRound marks the subject round for operator review.
	FlagRound bool
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("anomaly %s on %s: %s", e.Kind, e.Subject, e.Detail)
}

func anomaly(kind model.AnomalyKind, subject string, flag bool, format string, args ...any) *AnomalyError {
	return &AnomalyError{Kind: kind, Subject: model.NormalizeAddress(subject), Detail: fmt.Sprintf(format, args...), FlagRound: flag}
}
