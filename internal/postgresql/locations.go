package postgresql

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// InsertLocationReport persists a single accepted report. Reports are
// append-only; retention is handled by an external rolling-window job.
func (c *Connection) InsertLocationReport(ctx context.Context, r datamodel.LocationReport) error {
	query := `INSERT INTO location_report
		(agent_id, latitude, longitude, accuracy_meters, captured_at, received_at, battery_percent, speed_mps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := c.db.Exec(ctx, query,
		r.AgentID, r.Latitude, r.Longitude, r.AccuracyMeters,
		r.CapturedAt, r.ReceivedAt, r.BatteryPercent, r.SpeedMps)
	return err
}

// LatestLocation returns the most recent persisted report for an agent.
func (c *Connection) LatestLocation(ctx context.Context, agentID string) (datamodel.LocationReport, error) {
	query := `SELECT agent_id, latitude, longitude, accuracy_meters, captured_at, received_at, battery_percent, speed_mps
		FROM location_report WHERE agent_id = $1 ORDER BY captured_at DESC LIMIT 1`
	var r datamodel.LocationReport
	err := c.db.QueryRow(ctx, query, agentID).Scan(
		&r.AgentID, &r.Latitude, &r.Longitude, &r.AccuracyMeters,
		&r.CapturedAt, &r.ReceivedAt, &r.BatteryPercent, &r.SpeedMps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return datamodel.LocationReport{}, ErrNotFound
		}
		return datamodel.LocationReport{}, err
	}
	return r, nil
}
