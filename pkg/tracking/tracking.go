package tracking

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"

	_ "github.com/lib/pq"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

type RunRecord struct {
	TaskID      string
	RL          string
	ModelParams int64
	Status      string
	BestMetric  sql.NullFloat64
	BestStep    sql.NullInt64
	Steps       sql.NullInt64
	StartedAt   time.Time
	FinishedAt  sql.NullTime
}

type EvalRecord struct {
	TaskID     string
	Step       int
	Metric     string
	Value      float64
	RecordedAt time.Time
}

const DBName = "gradients_runs"

func New(cfg *config.Tracking) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		fmt.Println("[INF] Run tracking disabled.")
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		fmt.Println("[INF] Run tracking disabled.")
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		fmt.Println("[INF] Run tracking disabled.")
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		fmt.Println("[INF] Run tracking disabled.")
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			fmt.Println("[INF] Run tracking disabled.")
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		fmt.Printf("[INF] Database '%s' created successfully.\n", DBName)
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Println("[INF] Run tracking disabled.")
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		fmt.Println("[INF] Run tracking disabled.")
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	fmt.Println("[INF] Run tracking active.")

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id SERIAL PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL UNIQUE,
		rl VARCHAR(20) NOT NULL DEFAULT 'sft',
		model_params BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'RUNNING',
		best_metric DOUBLE PRECISION,
		best_step INTEGER,
		steps INTEGER,
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS eval_metrics (
		id SERIAL PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL,
		step INTEGER NOT NULL,
		metric VARCHAR(64) NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_eval_task_step ON eval_metrics(task_id, step);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// StartRun registers the run, resetting any previous record for the task.
func (db *DB) StartRun(cfg *config.Config) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		INSERT INTO runs (task_id, rl, model_params, status, started_at)
		VALUES ($1, $2, $3, 'RUNNING', NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			rl = EXCLUDED.rl,
			model_params = EXCLUDED.model_params,
			status = 'RUNNING',
			best_metric = NULL,
			best_step = NULL,
			steps = NULL,
			started_at = NOW(),
			finished_at = NULL`,
		cfg.TaskID, cfg.RL, cfg.ModelParamsCount)
	if err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}

	if DebugLog != nil {
		DebugLog("registered run %s", cfg.TaskID)
	}
	return nil
}

func (db *DB) RecordEval(taskID string, step int, metrics map[string]float64) error {
	if !db.IsEnabled() {
		return nil
	}

	for name, value := range metrics {
		_, err := db.conn.Exec(`
			INSERT INTO eval_metrics (task_id, step, metric, value)
			VALUES ($1, $2, $3, $4)`,
			taskID, step, name, value)
		if err != nil {
			return fmt.Errorf("failed to record eval metric: %w", err)
		}
	}
	return nil
}

func (db *DB) FinishRun(taskID, status string, bestMetric float64, bestStep, steps int) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		UPDATE runs SET
			status = $2,
			best_metric = $3,
			best_step = $4,
			steps = $5,
			finished_at = NOW()
		WHERE task_id = $1`,
		taskID, status, bestMetric, bestStep, steps)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListRuns returns run history, newest first. With taskID empty all runs are
// returned.
func (db *DB) ListRuns(taskID string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("run tracking is not enabled")
	}

	query := `
		SELECT task_id, rl, model_params, status, best_metric, best_step, steps, started_at, finished_at
		FROM runs`
	args := []interface{}{}
	if taskID != "" {
		query += " WHERE task_id = $1"
		args = append(args, taskID)
	}
	query += " ORDER BY started_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.TaskID, &r.RL, &r.ModelParams, &r.Status, &r.BestMetric, &r.BestStep, &r.Steps, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListEvals returns the recorded eval metrics for a task in step order.
func (db *DB) ListEvals(taskID string) ([]EvalRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("run tracking is not enabled")
	}

	rows, err := db.conn.Query(`
		SELECT task_id, step, metric, value, recorded_at
		FROM eval_metrics
		WHERE task_id = $1
		ORDER BY step ASC, metric ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query eval metrics: %w", err)
	}
	defer rows.Close()

	var records []EvalRecord
	for rows.Next() {
		var r EvalRecord
		if err := rows.Scan(&r.TaskID, &r.Step, &r.Metric, &r.Value, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
