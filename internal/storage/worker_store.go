package storage

import (
	"database/sql"
	"fmt"
)

// --- Worker CRUD ---

// UpsertWorker inserts a worker or replaces every field of an existing one.
func (d *DB) UpsertWorker(w *Worker) error {
	specialties, err := encodeJSON(w.Specialties)
	if err != nil {
		return fmt.Errorf("encode specialties: %w", err)
	}
	metadata, err := encodeJSON(w.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if !specialties.Valid {
		specialties = sql.NullString{String: "[]", Valid: true}
	}
	_, err = d.db.Exec(
		`INSERT INTO workers (id, name, specialties, endpoint, metadata, rating, total_tasks,
		     successful_tasks, avg_response_secs, cost, status, load, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     specialties = excluded.specialties,
		     endpoint = excluded.endpoint,
		     metadata = excluded.metadata,
		     rating = excluded.rating,
		     total_tasks = excluded.total_tasks,
		     successful_tasks = excluded.successful_tasks,
		     avg_response_secs = excluded.avg_response_secs,
		     cost = excluded.cost,
		     status = excluded.status,
		     load = excluded.load,
		     last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.Name, specialties, w.Endpoint, metadata, w.Rating, w.TotalTasks,
		w.SuccessfulTasks, w.AvgResponseSecs, w.Cost, w.Status, w.Load, w.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

const workerColumns = `id, name, specialties, endpoint, metadata, rating, total_tasks,
	successful_tasks, avg_response_secs, cost, status, load, last_heartbeat`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	w := &Worker{}
	var specialties, metadata sql.NullString
	var lastHeartbeat sql.NullInt64
	if err := row.Scan(&w.ID, &w.Name, &specialties, &w.Endpoint, &metadata, &w.Rating,
		&w.TotalTasks, &w.SuccessfulTasks, &w.AvgResponseSecs, &w.Cost, &w.Status, &w.Load,
		&lastHeartbeat); err != nil {
		return nil, err
	}
	w.LastHeartbeat = lastHeartbeat.Int64
	if err := decodeJSON(specialties, &w.Specialties); err != nil {
		return nil, fmt.Errorf("decode specialties: %w", err)
	}
	if err := decodeJSON(metadata, &w.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return w, nil
}

// GetWorker retrieves a worker by ID.
func (d *DB) GetWorker(id string) (*Worker, error) {
	w, err := scanWorker(d.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers ordered by ID.
func (d *DB) ListWorkers() ([]Worker, error) {
	rows, err := d.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// DeleteWorker removes a worker by ID.
func (d *DB) DeleteWorker(id string) error {
	res, err := d.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete worker rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete worker: %w", sql.ErrNoRows)
	}
	return nil
}
