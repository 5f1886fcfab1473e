package postgresql

import (
	"context"
	"time"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// InsertViolation creates the audit record for a confirmed violation.
// The unique partial index on (agent_id, geofence_id) WHERE resolved_at IS NULL
// enforces at most one open violation per pair.
func (c *Connection) InsertViolation(ctx context.Context, v datamodel.Violation) error {
	query := `INSERT INTO violation
		(id, agent_id, geofence_id, site_id, kind, severity, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := c.db.Exec(ctx, query,
		v.ID, v.AgentID, v.GeofenceID, v.SiteID, string(v.Kind), string(v.Severity), v.OpenedAt)
	return err
}

// ResolveViolation sets resolved_at on a confirmed return. Violations are
// never deleted.
func (c *Connection) ResolveViolation(ctx context.Context, violationID string, resolvedAt time.Time) error {
	query := `UPDATE violation SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`
	_, err := c.db.Exec(ctx, query, violationID, resolvedAt)
	return err
}

// OpenViolations returns all currently unresolved violations, used to restore
// detector state after a restart.
func (c *Connection) OpenViolations(ctx context.Context) ([]datamodel.Violation, error) {
	query := `SELECT id, agent_id, geofence_id, site_id, kind, severity, opened_at
		FROM violation WHERE resolved_at IS NULL`
	rows, err := c.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []datamodel.Violation
	for rows.Next() {
		var v datamodel.Violation
		var kind, severity string
		if err := rows.Scan(&v.ID, &v.AgentID, &v.GeofenceID, &v.SiteID, &kind, &severity, &v.OpenedAt); err != nil {
			return nil, err
		}
		v.Kind = datamodel.ViolationKind(kind)
		v.Severity = datamodel.Severity(severity)
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// SaveMembershipCheckpoint upserts the in-memory membership states so a
// restart does not re-raise violations that are already open.
func (c *Connection) SaveMembershipCheckpoint(ctx context.Context, states []datamodel.MembershipState) error {
	query := `INSERT INTO membership_state
		(agent_id, geofence_id, currently_inside, since, consecutive_outside)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id, geofence_id) DO UPDATE SET
		currently_inside = $3, since = $4, consecutive_outside = $5`
	for _, s := range states {
		if _, err := c.db.Exec(ctx, query,
			s.AgentID, s.GeofenceID, s.CurrentlyInside, s.Since, s.ConsecutiveOutside); err != nil {
			return err
		}
	}
	return nil
}

// LoadMembershipCheckpoints returns the persisted membership states.
func (c *Connection) LoadMembershipCheckpoints(ctx context.Context) ([]datamodel.MembershipState, error) {
	query := `SELECT agent_id, geofence_id, currently_inside, since, consecutive_outside FROM membership_state`
	rows, err := c.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []datamodel.MembershipState
	for rows.Next() {
		var s datamodel.MembershipState
		if err := rows.Scan(&s.AgentID, &s.GeofenceID, &s.CurrentlyInside, &s.Since, &s.ConsecutiveOutside); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}
