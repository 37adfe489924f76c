package harness

import (
	"context"
	"fmt"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/store"
)

// Principle is a property every store must satisfy after any sequence of
// requests. Query counts rows that violate it.
type Principle struct {
	Name        string
	Description string
	Query       string
}

// Principles are checked by the "principles" assertion. Each query counts
// violating rows, so a healthy store yields zero for all of them.
var Principles = []Principle{
	{
		Name:        "one-source-per-key",
		Description: "a recorded request points at the source created under its own caller and key",
		Query: `SELECT COUNT(*) FROM idempotency_records r
			LEFT JOIN sources s ON s.id = r.source_id
			WHERE r.source_id != '' AND r.operation != '` + engine.OpReinterpret + `'
			AND (s.id IS NULL OR s.caller_id != r.caller_id OR s.idempotency_key != r.idem_key)`,
	},
	{
		Name:        "interpreted-has-run",
		Description: "interpreted observations name a run over their own source",
		Query: `SELECT COUNT(*) FROM observations o
			LEFT JOIN interpretation_runs r ON r.id = o.run_id
			WHERE o.kind = 'interpreted' AND (r.id IS NULL OR r.source_id != o.source_id)`,
	},
	{
		Name:        "runs-terminate",
		Description: "no interpretation run is left running once its request returned",
		Query:       `SELECT COUNT(*) FROM interpretation_runs WHERE status = 'running'`,
	},
	{
		Name:        "snapshot-per-entity",
		Description: "every observed entity has a snapshot",
		Query: `SELECT COUNT(DISTINCT o.entity_id) FROM observations o
			LEFT JOIN entity_snapshots s ON s.entity_id = o.entity_id
			WHERE s.entity_id IS NULL`,
	},
	{
		Name:        "snapshot-per-relationship",
		Description: "every observed relationship has a snapshot",
		Query: `SELECT COUNT(DISTINCT o.relationship_id) FROM relationship_observations o
			LEFT JOIN relationship_snapshots s ON s.id = o.relationship_id
			WHERE s.id IS NULL`,
	},
	{
		Name:        "timeline-has-snapshot",
		Description: "timeline events belong to entities with a snapshot",
		Query: `SELECT COUNT(*) FROM timeline_events t
			LEFT JOIN entity_snapshots s ON s.entity_id = t.entity_id
			WHERE s.entity_id IS NULL`,
	},
}

// Violation is one failed principle.
type Violation struct {
	Principle string `json:"principle"`
	Detail    string `json:"detail"`
}

// Violations is the outcome of CheckPrinciples.
type Violations []Violation

// Messages renders each violation as "principle: detail".
func (v Violations) Messages() []string {
	out := make([]string, len(v))
	for i, violation := range v {
		out[i] = violation.Principle + ": " + violation.Detail
	}
	return out
}

// CheckPrinciples evaluates every principle against st, then resolves the
// provenance of every entity through e. A query that cannot run is itself
// reported as a violation.
func CheckPrinciples(ctx context.Context, st *store.Store, e *engine.Engine) Violations {
	var out Violations
	for _, p := range Principles {
		var n int
		if err := st.DB().QueryRowContext(ctx, p.Query).Scan(&n); err != nil {
			out = append(out, Violation{Principle: p.Name, Detail: err.Error()})
			continue
		}
		if n > 0 {
			out = append(out, Violation{Principle: p.Name, Detail: fmt.Sprintf("%d violating rows: %s", n, p.Description)})
		}
	}

	ids, err := st.ListEntityIDs(ctx)
	if err != nil {
		return append(out, Violation{Principle: "provenance-resolves", Detail: err.Error()})
	}
	for _, id := range ids {
		view, err := e.GetEntity(ctx, id)
		if err != nil {
			out = append(out, Violation{Principle: "provenance-resolves", Detail: err.Error()})
			continue
		}
		for _, fp := range view.Provenance {
			if len(fp.Observations) == 0 {
				out = append(out, Violation{
					Principle: "provenance-resolves",
					Detail:    fmt.Sprintf("entity %s field %s has no observations", id, fp.Field),
				})
			}
		}
	}
	return out
}
