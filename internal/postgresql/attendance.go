package postgresql

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// InsertAttendance persists a clock-in record.
func (c *Connection) InsertAttendance(ctx context.Context, rec datamodel.AttendanceRecord) error {
	query := `INSERT INTO attendance_record
		(id, agent_id, shift_id, site_id, clock_in_at, clock_in_lat, clock_in_lon, clock_in_method, override_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := c.db.Exec(ctx, query,
		rec.ID, rec.AgentID, rec.ShiftID, rec.SiteID, rec.ClockInAt,
		rec.ClockInLocation.Latitude, rec.ClockInLocation.Longitude,
		string(rec.ClockInMethod), rec.OverrideUsed)
	return err
}

// CloseAttendance completes a record on clock-out. The record becomes
// immutable history afterwards.
func (c *Connection) CloseAttendance(ctx context.Context, rec datamodel.AttendanceRecord) error {
	if rec.ClockOutAt == nil || rec.ClockOutLocation == nil {
		return errors.New("clock-out requires timestamp and location")
	}
	query := `UPDATE attendance_record SET
		clock_out_at = $2, clock_out_lat = $3, clock_out_lon = $4, clock_out_outside_geofence = $5
		WHERE id = $1 AND clock_out_at IS NULL`
	_, err := c.db.Exec(ctx, query,
		rec.ID, rec.ClockOutAt, rec.ClockOutLocation.Latitude, rec.ClockOutLocation.Longitude,
		rec.ClockOutOutsideGeofence)
	return err
}

// OpenAttendance returns the agent's current open record for the site.
func (c *Connection) OpenAttendance(ctx context.Context, agentID string, siteID string) (datamodel.AttendanceRecord, error) {
	query := `SELECT id, agent_id, shift_id, site_id, clock_in_at, clock_in_lat, clock_in_lon, clock_in_method, override_used
		FROM attendance_record
		WHERE agent_id = $1 AND site_id = $2 AND clock_out_at IS NULL
		ORDER BY clock_in_at DESC LIMIT 1`
	var rec datamodel.AttendanceRecord
	var method string
	err := c.db.QueryRow(ctx, query, agentID, siteID).Scan(
		&rec.ID, &rec.AgentID, &rec.ShiftID, &rec.SiteID, &rec.ClockInAt,
		&rec.ClockInLocation.Latitude, &rec.ClockInLocation.Longitude,
		&method, &rec.OverrideUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return datamodel.AttendanceRecord{}, ErrNotFound
		}
		return datamodel.AttendanceRecord{}, err
	}
	rec.ClockInMethod = datamodel.ClockMethod(method)
	return rec, nil
}
