package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/born-ml/maskrcnn/internal/box"
)

// Postgres stores runs in PostgreSQL.
type Postgres struct {
	conn *pgx.Conn
}

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		config TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT REFERENCES runs(id),
		step INT NOT NULL,
		total DOUBLE PRECISION NOT NULL,
		rpn_class DOUBLE PRECISION NOT NULL,
		rpn_bbox DOUBLE PRECISION NOT NULL,
		mrcnn_class DOUBLE PRECISION NOT NULL,
		mrcnn_bbox DOUBLE PRECISION NOT NULL,
		mrcnn_mask DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, step)
	);
	CREATE TABLE IF NOT EXISTS detections (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT REFERENCES runs(id),
		image TEXT NOT NULL,
		class_id INT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		x1 DOUBLE PRECISION NOT NULL,
		y1 DOUBLE PRECISION NOT NULL,
		x2 DOUBLE PRECISION NOT NULL,
		y2 DOUBLE PRECISION NOT NULL,
		mask_area INT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS detections_run_id_idx ON detections (run_id);
`

// NewPostgres connects and creates the schema if needed.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "store: connect")
	}
	if _, err := conn.Exec(ctx, schema); err != nil {
		conn.Close(ctx)
		return nil, errors.Wrap(err, "store: initialize schema")
	}
	return &Postgres{conn: conn}, nil
}

// CreateRun inserts run.
func (p *Postgres) CreateRun(ctx context.Context, run Run) error {
	_, err := p.conn.Exec(ctx,
		`INSERT INTO runs (id, kind, config, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID.String(), run.Kind, run.Config, run.StartedAt)
	return errors.Wrap(err, "store: create run")
}

// Runs returns all runs ordered by start time.
func (p *Postgres) Runs(ctx context.Context) ([]Run, error) {
	rows, err := p.conn.Query(ctx, `SELECT id, kind, config, started_at FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var id string
		if err := rows.Scan(&id, &r.Kind, &r.Config, &r.StartedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan run")
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, errors.Wrapf(err, "store: run id %q", id)
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "store: list runs")
}

// AppendStep inserts one loss row.
func (p *Postgres) AppendStep(ctx context.Context, runID uuid.UUID, step Step) error {
	v := step.Losses
	_, err := p.conn.Exec(ctx, `
		INSERT INTO run_steps (run_id, step, total, rpn_class, rpn_bbox, mrcnn_class, mrcnn_bbox, mrcnn_mask)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, runID.String(), step.Step, v.Total, v.RPNClass, v.RPNBBox, v.Class, v.BBox, v.Mask)
	return errors.Wrap(err, "store: append step")
}

// Steps returns the loss history of a run.
func (p *Postgres) Steps(ctx context.Context, runID uuid.UUID) ([]Step, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT step, total, rpn_class, rpn_bbox, mrcnn_class, mrcnn_bbox, mrcnn_mask
		FROM run_steps WHERE run_id = $1 ORDER BY step
	`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "store: list steps")
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		v := &s.Losses
		if err := rows.Scan(&s.Step, &v.Total, &v.RPNClass, &v.RPNBBox, &v.Class, &v.BBox, &v.Mask); err != nil {
			return nil, errors.Wrap(err, "store: scan step")
		}
		steps = append(steps, s)
	}
	return steps, errors.Wrap(rows.Err(), "store: list steps")
}

// SaveDetections inserts dets in one transaction.
func (p *Postgres) SaveDetections(ctx context.Context, runID uuid.UUID, dets []Detection) error {
	if len(dets) == 0 {
		return nil
	}
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "store: begin")
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range dets {
		batch.Queue(`
			INSERT INTO detections (run_id, image, class_id, score, x1, y1, x2, y2, mask_area)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, runID.String(), d.Image, d.ClassID, d.Score, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, d.MaskArea)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "store: insert detections")
	}
	return errors.Wrap(tx.Commit(ctx), "store: commit")
}

// Detections returns the detections of a run in insertion order.
func (p *Postgres) Detections(ctx context.Context, runID uuid.UUID) ([]Detection, error) {
	rows, err := p.conn.Query(ctx, `
		SELECT image, class_id, score, x1, y1, x2, y2, mask_area
		FROM detections WHERE run_id = $1 ORDER BY id
	`, runID.String())
	if err != nil {
		return nil, errors.Wrap(err, "store: list detections")
	}
	defer rows.Close()

	var dets []Detection
	for rows.Next() {
		var d Detection
		var b box.Box
		if err := rows.Scan(&d.Image, &d.ClassID, &d.Score, &b.X1, &b.Y1, &b.X2, &b.Y2, &d.MaskArea); err != nil {
			return nil, errors.Wrap(err, "store: scan detection")
		}
		d.Box = b
		dets = append(dets, d)
	}
	return dets, errors.Wrap(rows.Err(), "store: list detections")
}

// Close terminates the connection.
func (p *Postgres) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}
