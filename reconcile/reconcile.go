// Package reconcile compares the Portfolio Ledger's local balances against
// each configured exchange's authoritative balances, classifies
// discrepancies, and appends a reconciliation report to the audit trail.
package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/exchangecore/connector/auditlog"
	"github.com/exchangecore/connector/coreerr"
)

// Balance is a single currency amount, as reported by either side.
type Balance struct {
	Currency string
	Amount   float64
}

// ExchangeBalanceFetcher is the narrow collaborator interface the engine
// depends on — deliberately smaller than marketdata.ExchangeClient, since
// reconciliation only ever reads balances.
type ExchangeBalanceFetcher interface {
	GetBalances(ctx context.Context) ([]Balance, error)
}

// LocalBalanceReader abstracts the Portfolio Ledger for testing; the real
// adapter reads Ledger.Snapshot() under the global lock order.
type LocalBalanceReader interface {
	LocalBalances() []Balance
}

// DiscrepancyKind enumerates the classification variants of §4.5.
type DiscrepancyKind int

const (
	Match DiscrepancyKind = iota
	Precision
	Mismatch
	Missing
)

func (k DiscrepancyKind) String() string {
	switch k {
	case Match:
		return "Match"
	case Precision:
		return "Precision"
	case Mismatch:
		return "Mismatch"
	case Missing:
		return "Missing"
	default:
		return "Unknown"
	}
}

// Discrepancy records one currency's classification result.
type Discrepancy struct {
	Currency string
	Kind     DiscrepancyKind
	Local    float64
	Exchange float64
	Diff     float64
}

// Severity is the overall status of a reconciliation run.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "Ok"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Report is the per-run record appended to the audit trail.
type Report struct {
	Exchange         string
	StartedAt        time.Time
	FinishedAt       time.Time
	LocalBalances    []Balance
	ExchangeBalances []Balance
	Discrepancies    []Discrepancy
	Status           Severity
}

// Config tunes discrepancy classification.
type Config struct {
	Tolerance   float64
	MajorPct    float64
	CriticalPct float64
}

// Engine runs reconciliation on demand or on a configured interval.
type Engine struct {
	exchange string
	local    LocalBalanceReader
	fetcher  ExchangeBalanceFetcher
	cfg      Config
	sink     auditlog.Sink
}

// New constructs an Engine for a single exchange collaborator.
func New(exchange string, local LocalBalanceReader, fetcher ExchangeBalanceFetcher, cfg Config, sink auditlog.Sink) *Engine {
	if sink == nil {
		sink = auditlog.NewMemorySink(256)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.01
	}
	if cfg.MajorPct <= 0 {
		cfg.MajorPct = 1.0
	}
	if cfg.CriticalPct <= 0 {
		cfg.CriticalPct = 5.0
	}
	return &Engine{exchange: exchange, local: local, fetcher: fetcher, cfg: cfg, sink: sink}
}

// Run performs one reconciliation pass: reads local balances, fetches
// exchange balances, classifies discrepancies, computes severity, and
// appends the resulting Report to the audit trail.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	started := time.Now()

	local := e.local.LocalBalances()

	exchangeBalances, err := e.fetcher.GetBalances(ctx)
	if err != nil {
		if ctx.Err() != nil {
			deadline, _ := ctx.Deadline()
			return Report{}, coreerr.Timeout(time.Since(started).Seconds() + time.Until(deadline).Seconds())
		}

		// A persistent API error still terminates the run with a report —
		// severity recorded as Error — rather than silently dropping the
		// attempt from the audit trail.
		report := Report{
			Exchange:      e.exchange,
			StartedAt:     started,
			FinishedAt:    time.Now(),
			LocalBalances: local,
			Status:        SeverityError,
		}
		e.sink.Append(auditlog.Record{
			ID:        auditlog.NextID(),
			Timestamp: report.FinishedAt,
			Status:    auditlog.StatusCommitted,
			Detail:    report,
		})
		return report, coreerr.ExchangeAPI(err)
	}

	discrepancies := classify(local, exchangeBalances, e.cfg.Tolerance)
	status := severity(discrepancies, e.cfg.MajorPct, e.cfg.CriticalPct)

	report := Report{
		Exchange:         e.exchange,
		StartedAt:        started,
		FinishedAt:       time.Now(),
		LocalBalances:    local,
		ExchangeBalances: exchangeBalances,
		Discrepancies:    discrepancies,
		Status:           status,
	}

	e.sink.Append(auditlog.Record{
		ID:        auditlog.NextID(),
		Timestamp: report.FinishedAt,
		Status:    auditlog.StatusCommitted,
		Detail:    report,
	})

	return report, nil
}

// classify compares local and exchange balances currency-by-currency.
func classify(local, exchange []Balance, tolerance float64) []Discrepancy {
	localByCcy := make(map[string]float64, len(local))
	for _, b := range local {
		localByCcy[b.Currency] = b.Amount
	}
	exchangeByCcy := make(map[string]float64, len(exchange))
	for _, b := range exchange {
		exchangeByCcy[b.Currency] = b.Amount
	}

	seen := make(map[string]struct{}, len(localByCcy)+len(exchangeByCcy))
	var out []Discrepancy

	for ccy, lAmt := range localByCcy {
		seen[ccy] = struct{}{}
		eAmt, ok := exchangeByCcy[ccy]
		if !ok {
			out = append(out, Discrepancy{Currency: ccy, Kind: Missing, Local: lAmt})
			continue
		}
		out = append(out, classifyOne(ccy, lAmt, eAmt, tolerance))
	}
	for ccy, eAmt := range exchangeByCcy {
		if _, ok := seen[ccy]; ok {
			continue
		}
		out = append(out, Discrepancy{Currency: ccy, Kind: Missing, Exchange: eAmt})
	}
	return out
}

func classifyOne(currency string, local, exchange, tolerance float64) Discrepancy {
	diff := exchange - local
	abs := math.Abs(diff)
	if abs == 0 {
		return Discrepancy{Currency: currency, Kind: Match, Local: local, Exchange: exchange, Diff: diff}
	}
	if abs <= tolerance {
		return Discrepancy{Currency: currency, Kind: Precision, Local: local, Exchange: exchange, Diff: diff}
	}
	return Discrepancy{Currency: currency, Kind: Mismatch, Local: local, Exchange: exchange, Diff: diff}
}

// severity computes the overall run status: Ok when every currency is
// Match, Warning for any Precision difference or any Mismatch whose size
// relative to the exchange amount is at most majorPct, Error when a
// Mismatch exceeds majorPct, and Critical when one exceeds criticalPct or
// any currency is Missing.
func severity(discrepancies []Discrepancy, majorPct, criticalPct float64) Severity {
	status := SeverityOK
	for _, d := range discrepancies {
		switch d.Kind {
		case Precision:
			if status < SeverityWarning {
				status = SeverityWarning
			}
		case Missing:
			return SeverityCritical
		case Mismatch:
			pct := relativePct(d.Diff, d.Exchange)
			if pct > criticalPct {
				return SeverityCritical
			}
			if pct > majorPct {
				if status < SeverityError {
					status = SeverityError
				}
			} else if status < SeverityWarning {
				status = SeverityWarning
			}
		}
	}
	return status
}

func relativePct(diff, base float64) float64 {
	if base == 0 {
		return math.Inf(1)
	}
	return math.Abs(diff) / math.Abs(base) * 100
}
