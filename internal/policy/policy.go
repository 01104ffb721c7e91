// Package policy implements the self-destruct rules evaluated on every
// access. The engine only decides; the gate performs any burn it orders,
// so every forced burn goes through the same atomic transition as an
// ordinary one.
package policy

import (
	"time"

	"ember.share/internal/models"
)

// Reason identifies which rule ordered a burn. Reasons are recorded in
// the audit trail but never surfaced to the reader: a policy burn looks
// like any other NotFound from the outside.
type Reason string

const (
	ReasonTooManyAttempts Reason = "too_many_attempts"
	ReasonGeoMismatch     Reason = "geo_mismatch"
	ReasonSuspicious      Reason = "suspicious_activity"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Burn   bool
	Reason Reason
}

// Permit allows the access to proceed.
var Permit = Decision{}

func forceBurn(r Reason) Decision {
	return Decision{Burn: true, Reason: r}
}

// AccessContext carries the request-level facts a rule may consult.
// Country is a network-layer heuristic supplied by the edge, not a
// cryptographic guarantee.
type AccessContext struct {
	Country string
	Now     time.Time
}

// Config tunes the suspicious-activity rule.
type Config struct {
	// SuspicionWindow is how far back recent events are considered.
	SuspicionWindow time.Duration
	// MaxAttemptsPerCountry is the per-country attempt count above which
	// activity is suspicious.
	MaxAttemptsPerCountry int
	// MaxDistinctCountries is the distinct-country count at or above which
	// activity is suspicious.
	MaxDistinctCountries int
}

func DefaultConfig() Config {
	return Config{
		SuspicionWindow:       5 * time.Minute,
		MaxAttemptsPerCountry: 3,
		MaxDistinctCountries:  3,
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate applies the rules in order; the first match wins. recent must
// be the message's audit events within the suspicion window. The
// ordinary reaching-max-views burn is not a rule here: it is the gate's
// own final-view transition.
func (e *Engine) Evaluate(msg *models.Message, ac AccessContext, recent []*models.AuditEvent) Decision {
	if msg.MaxPasswordAttempts > 0 && msg.PasswordAttemptCount > msg.MaxPasswordAttempts {
		return forceBurn(ReasonTooManyAttempts)
	}

	if msg.RequireGeoMatch && msg.CreatorCountry != "" &&
		ac.Country != "" && ac.Country != msg.CreatorCountry {
		return forceBurn(ReasonGeoMismatch)
	}

	if msg.AutoBurnOnSuspicion && e.suspicious(recent, ac) {
		return forceBurn(ReasonSuspicious)
	}

	return Permit
}

func (e *Engine) suspicious(recent []*models.AuditEvent, ac AccessContext) bool {
	cutoff := ac.Now.Add(-e.cfg.SuspicionWindow)

	perCountry := make(map[string]int)
	countries := make(map[string]bool)

	// The in-flight access counts too: the rule must fire on the access
	// that crosses the line, not one later.
	if ac.Country != "" {
		perCountry[ac.Country]++
		countries[ac.Country] = true
	}

	for _, ev := range recent {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		switch ev.Type {
		case models.EventPasswordAttempt, models.EventPasswordFailed, models.EventViewed:
		default:
			continue
		}
		// Unknown-origin events count for neither branch: a pool of
		// empty countries is not evidence of one hammering client.
		if ev.Country == "" {
			continue
		}
		perCountry[ev.Country]++
		countries[ev.Country] = true
	}

	for _, n := range perCountry {
		if n > e.cfg.MaxAttemptsPerCountry {
			return true
		}
	}
	return len(countries) >= e.cfg.MaxDistinctCountries
}
