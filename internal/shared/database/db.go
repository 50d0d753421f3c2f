package database

import (
	"context"
	"fmt"
	"time"

	"database/sql"

	_ "github.com/lib/pq"
)

// RequestLog is one best-effort observability row per gateway request.
// Token and cost columns stay zero for requests that were not metered.
type RequestLog struct {
	HashedCode       string
	Method           string
	Path             string
	Model            string
	Family           string
	StatusCode       int
	PromptTokens     int
	CompletionTokens int
	Cost             string // decimal string, "" when not billed
	LatencyMs        int
}

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// LogRequest inserts one gateway_logs row.
func (db *DB) LogRequest(ctx context.Context, l *RequestLog) error {
	query := `
		INSERT INTO gateway_logs (
			hashed_code, method, path, model, family, status_code,
			prompt_tokens, completion_tokens, cost, latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var cost sql.NullString
	if l.Cost != "" {
		cost = sql.NullString{String: l.Cost, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		query,
		l.HashedCode,
		l.Method,
		l.Path,
		l.Model,
		l.Family,
		l.StatusCode,
		l.PromptTokens,
		l.CompletionTokens,
		cost,
		l.LatencyMs,
	)

	return err
}
