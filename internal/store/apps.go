package store

import (
	"database/sql"
	"encoding/json"

	"github.com/arjuuuuunnnnn/orchestry/internal/apperrors"
	"github.com/arjuuuuunnnnn/orchestry/internal/specs"
)

// AppRecord is the persisted row shape for an application.
type AppRecord struct {
	Name      string
	Spec      *specs.AppSpec
	RawSpec   map[string]interface{}
	Status    string
	CreatedAt float64
	UpdatedAt float64
	Replicas  int
	Mode      string
}

// SaveApp inserts or updates an application record.
func (s *Store) SaveApp(rec *AppRecord) error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}

	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "marshaling app spec", err)
	}
	rawJSON, err := json.Marshal(rec.RawSpec)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "marshaling raw spec", err)
	}

	now := nowSeconds()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO apps (name, spec, raw_spec, status, created_at, updated_at, replicas, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			spec = $2, raw_spec = $3, status = $4, updated_at = $6, replicas = $7, mode = $8
	`
	_, err = db.Exec(query, rec.Name, specJSON, rawJSON, rec.Status, rec.CreatedAt, rec.UpdatedAt, rec.Replicas, rec.Mode)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "saving app", err)
	}
	return nil
}

// GetApp retrieves an app by name.
func (s *Store) GetApp(name string) (*AppRecord, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}

	query := `SELECT name, spec, raw_spec, status, created_at, updated_at, replicas, mode FROM apps WHERE name = $1`
	var rec AppRecord
	var specJSON, rawJSON []byte
	err = db.QueryRow(query, name).Scan(&rec.Name, &specJSON, &rawJSON, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.Replicas, &rec.Mode)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundf("app not found: %s", name)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "querying app", err)
	}

	var spec specs.AppSpec
	if err := json.Unmarshal(specJSON, &spec); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "parsing stored app spec", err)
	}
	rec.Spec = &spec

	var raw map[string]interface{}
	if len(rawJSON) > 0 {
		json.Unmarshal(rawJSON, &raw)
	}
	rec.RawSpec = raw

	return &rec, nil
}

// ListApps returns all registered applications ordered by name.
func (s *Store) ListApps() ([]*AppRecord, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT name, spec, raw_spec, status, created_at, updated_at, replicas, mode FROM apps ORDER BY name`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "listing apps", err)
	}
	defer rows.Close()

	var out []*AppRecord
	for rows.Next() {
		var rec AppRecord
		var specJSON, rawJSON []byte
		if err := rows.Scan(&rec.Name, &specJSON, &rawJSON, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.Replicas, &rec.Mode); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStore, "scanning app row", err)
		}
		var spec specs.AppSpec
		json.Unmarshal(specJSON, &spec)
		rec.Spec = &spec
		var raw map[string]interface{}
		if len(rawJSON) > 0 {
			json.Unmarshal(rawJSON, &raw)
		}
		rec.RawSpec = raw
		out = append(out, &rec)
	}
	return out, nil
}

// UpdateAppReplicas persists a new replica count and status for an app.
func (s *Store) UpdateAppReplicas(name string, replicas int, status string) error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE apps SET replicas = $1, status = $2, updated_at = $3 WHERE name = $4`,
		replicas, status, nowSeconds(), name)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "updating app replicas", err)
	}
	return nil
}

// LogEvent appends a row to the audit events table.
func (s *Store) LogEvent(app, eventType, message string, data interface{}) error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "marshaling event data", err)
	}
	_, err = db.Exec(
		`INSERT INTO events (app, type, message, timestamp, data) VALUES ($1, $2, $3, $4, $5)`,
		app, eventType, message, nowSeconds(), dataJSON,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "logging event", err)
	}
	return nil
}

// Event is a single audit log row.
type Event struct {
	ID        int
	App       string
	Type      string
	Message   string
	Timestamp float64
	Data      map[string]interface{}
}

// GetEvents returns the most recent events, optionally filtered by app.
func (s *Store) GetEvents(app string, limit int) ([]*Event, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if app != "" {
		rows, err = db.Query(
			`SELECT id, app, type, message, timestamp, data FROM events WHERE app = $1 ORDER BY timestamp DESC LIMIT $2`,
			app, limit,
		)
	} else {
		rows, err = db.Query(
			`SELECT id, app, type, message, timestamp, data FROM events ORDER BY timestamp DESC LIMIT $1`,
			limit,
		)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "querying events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.App, &e.Type, &e.Message, &e.Timestamp, &dataJSON); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStore, "scanning event row", err)
		}
		if len(dataJSON) > 0 {
			json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, &e)
	}
	return out, nil
}

// ScalingActionRecord is a single recorded scaling decision.
type ScalingActionRecord struct {
	ID           int
	App          string
	FromReplicas int
	ToReplicas   int
	Reason       string
	TriggeredBy  []string
	Metrics      map[string]interface{}
	Timestamp    float64
}

// LogScalingAction records a scaling decision for auditing.
func (s *Store) LogScalingAction(app string, from, to int, reason string, triggeredBy []string, metrics interface{}) error {
	db, err := s.conn(true)
	if err != nil {
		return err
	}
	triggersJSON, _ := json.Marshal(triggeredBy)
	metricsJSON, _ := json.Marshal(metrics)
	_, err = db.Exec(
		`INSERT INTO scaling_actions (app, from_replicas, to_replicas, reason, triggered_by, metrics, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app, from, to, reason, triggersJSON, metricsJSON, nowSeconds(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStore, "logging scaling action", err)
	}
	return nil
}

// GetScalingHistory returns recent scaling actions for an app.
func (s *Store) GetScalingHistory(app string, limit int) ([]*ScalingActionRecord, error) {
	db, err := s.conn(false)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, app, from_replicas, to_replicas, reason, triggered_by, metrics, timestamp
		 FROM scaling_actions WHERE app = $1 ORDER BY timestamp DESC LIMIT $2`,
		app, limit,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStore, "querying scaling history", err)
	}
	defer rows.Close()

	var out []*ScalingActionRecord
	for rows.Next() {
		var r ScalingActionRecord
		var triggersJSON, metricsJSON []byte
		if err := rows.Scan(&r.ID, &r.App, &r.FromReplicas, &r.ToReplicas, &r.Reason, &triggersJSON, &metricsJSON, &r.Timestamp); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStore, "scanning scaling action row", err)
		}
		if len(triggersJSON) > 0 {
			json.Unmarshal(triggersJSON, &r.TriggeredBy)
		}
		if len(metricsJSON) > 0 {
			json.Unmarshal(metricsJSON, &r.Metrics)
		}
		out = append(out, &r)
	}
	return out, nil
}
