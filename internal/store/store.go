// Package store provides the durable client-side state: the opaque auth
// token that survives restarts and the nutrition items completed analyses
// produce.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/olliefit/nutriscan/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// tokenKey is the well-known row key the auth token lives under.
const tokenKey = "socket_auth_token"

// DB interface defines the methods our client store should implement
type DB interface {
	SaveToken(token string) error
	LoadToken() (string, error)
	ClearToken() error
	SaveItem(ctx context.Context, item *models.NutritionItem) error
	GetItem(ctx context.Context, id string) (*models.NutritionItem, error)
	RecentItems(ctx context.Context, limit int) ([]*models.NutritionItem, error)
	Close() error
}

// SQLiteStore implements the DB interface
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed client store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initializeSchema(db *sql.DB) error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	if _, err := db.Exec(string(schemaBytes)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	return nil
}

// SaveToken stores the auth token under the well-known key, replacing any
// previous one.
func (s *SQLiteStore) SaveToken(token string) error {
	query := `
		INSERT INTO auth_token (key, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, tokenKey, token, time.Now())
	return err
}

// LoadToken returns the stored token, or "" when none exists.
func (s *SQLiteStore) LoadToken() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM auth_token WHERE key = ?`, tokenKey).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// ClearToken removes the stored token. Clearing an absent token is not an
// error.
func (s *SQLiteStore) ClearToken() error {
	_, err := s.db.Exec(`DELETE FROM auth_token WHERE key = ?`, tokenKey)
	return err
}

// SaveItem saves a completed nutrition item to the store
func (s *SQLiteStore) SaveItem(ctx context.Context, item *models.NutritionItem) error {
	query := `
		INSERT INTO nutrition_items (
			id, user_id, asset_url, asset_id, file_name, food_name,
			calories, carbs, protein, fat, sugar, fiber,
			additional_info, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			food_name = excluded.food_name,
			calories = excluded.calories,
			carbs = excluded.carbs,
			protein = excluded.protein,
			fat = excluded.fat,
			sugar = excluded.sugar,
			fiber = excluded.fiber,
			additional_info = excluded.additional_info,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.UserID, item.AssetURL, item.AssetID, item.FileName,
		item.FoodName, item.Calories, item.Carbs, item.Protein, item.Fat,
		item.Sugar, item.Fiber, item.AdditionalInfo,
		item.CreatedAt, item.UpdatedAt,
	)
	return err
}

// GetItem retrieves a nutrition item by id, or nil when absent.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*models.NutritionItem, error) {
	query := `
		SELECT id, user_id, asset_url, asset_id, file_name, food_name,
			calories, carbs, protein, fat, sugar, fiber,
			additional_info, created_at, updated_at
		FROM nutrition_items WHERE id = ?
	`

	item := &models.NutritionItem{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.UserID, &item.AssetURL, &item.AssetID, &item.FileName,
		&item.FoodName, &item.Calories, &item.Carbs, &item.Protein, &item.Fat,
		&item.Sugar, &item.Fiber, &item.AdditionalInfo,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// RecentItems retrieves the most recently added nutrition items.
func (s *SQLiteStore) RecentItems(ctx context.Context, limit int) ([]*models.NutritionItem, error) {
	query := `
		SELECT id, user_id, asset_url, asset_id, file_name, food_name,
			calories, carbs, protein, fat, sugar, fiber,
			additional_info, created_at, updated_at
		FROM nutrition_items
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.NutritionItem
	for rows.Next() {
		var item models.NutritionItem
		err := rows.Scan(
			&item.ID, &item.UserID, &item.AssetURL, &item.AssetID, &item.FileName,
			&item.FoodName, &item.Calories, &item.Carbs, &item.Protein, &item.Fat,
			&item.Sugar, &item.Fiber, &item.AdditionalInfo,
			&item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, &item)
	}

	return results, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
