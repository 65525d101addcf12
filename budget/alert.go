/*
alert.go - Threshold alerts over budget line consumption

PURPOSE:
  Periodically evaluates every active line against the configured threshold
  rules and raises alerts when the consumption ratio crosses a rule's
  seuil_pct. Alerts are upserted by (line, rule): a re-scan refreshes the
  ratio on the open alert, it never duplicates it.

LEVEL LADDER:
  >= 100%       blocking  (the line is over its dotation)
  >=  95%       critical
  >= seuil_pct  warning

RESOLUTION POLICY:
  An open alert stays open even if the ratio falls back below the threshold.
  Only the explicit Acknowledge and Resolve actions close it. The scan is
  idempotent and safe under concurrent re-entrancy.
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// ALERT TYPES
// =============================================================================

type AlertNiveau string

const (
	NiveauInfo     AlertNiveau = "info"
	NiveauWarning  AlertNiveau = "warning"
	NiveauCritical AlertNiveau = "critical"
	NiveauBlocking AlertNiveau = "blocking"
)

type AlertScope string

const (
	ScopeGlobal   AlertScope = "GLOBAL"
	ScopeParLigne AlertScope = "PAR_LIGNE"
)

type AlertRule struct {
	ID          string
	SeuilPct    float64
	Scope       AlertScope
	LineID      LineID // set when Scope is PAR_LIGNE
	Actif       bool
	Description string
}

type Alert struct {
	ID       string
	RuleID   string
	LineID   LineID
	Exercice int

	Niveau       AlertNiveau
	SeuilAtteint float64
	TauxActuel   float64

	MontantDotation   Montant
	MontantEngage     Montant
	MontantDisponible Montant

	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time

	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
	ResolutionNote string
}

// determineNiveau maps a consumption ratio onto the alert ladder.
func determineNiveau(taux, seuil float64) AlertNiveau {
	switch {
	case taux >= 100:
		return NiveauBlocking
	case taux >= 95:
		return NiveauCritical
	case taux >= seuil:
		return NiveauWarning
	}
	return NiveauInfo
}

func buildAlertMessage(line *BudgetLine, taux float64, niveau AlertNiveau) string {
	disponible := line.Disponible()
	switch niveau {
	case NiveauBlocking:
		return fmt.Sprintf("DEPASSEMENT: La ligne %s (%s) a depasse sa dotation. Deficit: %s FCFA",
			line.Code, line.Label, disponible.Neg())
	case NiveauCritical:
		return fmt.Sprintf("CRITIQUE: La ligne %s (%s) est a %.1f%% de consommation. Reste: %s FCFA",
			line.Code, line.Label, taux, disponible)
	case NiveauWarning:
		return fmt.Sprintf("ATTENTION: La ligne %s (%s) atteint %.1f%% de consommation. Reste: %s FCFA",
			line.Code, line.Label, taux, disponible)
	}
	return fmt.Sprintf("INFO: La ligne %s (%s) est a %.1f%% de consommation", line.Code, line.Label, taux)
}

// =============================================================================
// SCANNER
// =============================================================================

type Scanner struct {
	Lines  Store
	Alerts AlertStore
	Log    zerolog.Logger
	Now    Clock
}

func NewScanner(lines Store, alerts AlertStore, log zerolog.Logger) *Scanner {
	return &Scanner{Lines: lines, Alerts: alerts, Log: log, Now: time.Now}
}

func (sc *Scanner) now() time.Time {
	if sc.Now != nil {
		return sc.Now()
	}
	return time.Now()
}

// Scan evaluates every active line against every active rule for the
// exercice. Returns the number of alerts raised or refreshed.
func (sc *Scanner) Scan(ctx context.Context, exercice int) (int, error) {
	rules, err := sc.Alerts.ActiveRules(ctx)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	lines, err := sc.Lines.ListLines(ctx, exercice)
	if err != nil {
		return 0, err
	}

	raised := 0
	now := sc.now()

	for i := range lines {
		line := &lines[i]
		dotation := line.DotationEffective()
		if !dotation.IsPositive() {
			continue
		}

		tauxDec := line.TotalEngage.Value.Div(dotation.Value).Mul(hundred)
		taux, _ := tauxDec.Round(2).Float64()

		for _, rule := range rules {
			if rule.Scope == ScopeParLigne && rule.LineID != line.ID {
				continue
			}
			if taux < rule.SeuilPct {
				continue
			}

			niveau := determineNiveau(taux, rule.SeuilPct)
			open, err := sc.Alerts.OpenAlert(ctx, line.ID, rule.ID)
			if err != nil {
				return raised, err
			}

			alert := Alert{
				ID:                uuid.NewString(),
				RuleID:            rule.ID,
				LineID:            line.ID,
				Exercice:          exercice,
				Niveau:            niveau,
				SeuilAtteint:      rule.SeuilPct,
				TauxActuel:        taux,
				MontantDotation:   dotation,
				MontantEngage:     line.TotalEngage,
				MontantDisponible: line.Disponible(),
				Message:           buildAlertMessage(line, taux, niveau),
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if open != nil {
				// Refresh the open alert in place, keep its identity and
				// acknowledgement state.
				alert.ID = open.ID
				alert.CreatedAt = open.CreatedAt
				alert.AcknowledgedAt = open.AcknowledgedAt
				alert.AcknowledgedBy = open.AcknowledgedBy
			}

			if err := sc.Alerts.UpsertAlert(ctx, alert); err != nil {
				return raised, err
			}
			raised++

			sc.Log.Info().
				Str("line", string(line.ID)).
				Str("rule", rule.ID).
				Str("niveau", string(niveau)).
				Float64("taux", taux).
				Msg("budget alert raised")
		}
	}
	return raised, nil
}

// Run scans periodically until ctx is cancelled. The first scan runs
// immediately.
func (sc *Scanner) Run(ctx context.Context, exercice int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := sc.Scan(ctx, exercice); err != nil {
			sc.Log.Error().Err(err).Msg("budget alert scan failed")
		} else if n > 0 {
			sc.Log.Info().Int("alerts", n).Int("exercice", exercice).Msg("budget alert scan complete")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Acknowledge marks an alert as seen. The alert stays open.
func (sc *Scanner) Acknowledge(ctx context.Context, alertID, actor string) (*Alert, error) {
	alert, err := sc.Alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	now := sc.now()
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	alert.UpdatedAt = now
	if err := sc.Alerts.SaveAlert(ctx, *alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve closes an alert. Closing is always an explicit human action, never
// a side effect of the ratio dropping back below the threshold.
func (sc *Scanner) Resolve(ctx context.Context, alertID, actor, note string) (*Alert, error) {
	alert, err := sc.Alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	now := sc.now()
	alert.ResolvedAt = &now
	alert.ResolvedBy = actor
	alert.ResolutionNote = note
	alert.UpdatedAt = now
	if err := sc.Alerts.SaveAlert(ctx, *alert); err != nil {
		return nil, err
	}
	return alert, nil
}
