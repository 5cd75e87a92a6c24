package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/odeapay/vpos/provider"
)

const callbackStateTTL = 30 * time.Minute

// SQLiteStorage persists provider configurations and pending 3D callback
// states. It implements provider.CallbackStore.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenDatabase opens (and creates if needed) the SQLite database file.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

// NewSQLiteStorage creates the storage layer on an open database handle and
// ensures the schema exists.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_configs (
		provider TEXT NOT NULL PRIMARY KEY,
		config TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS callbacks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		order_id TEXT NOT NULL,
		state_data TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveProviderConfig stores (or replaces) a provider's configuration.
func (s *SQLiteStorage) SaveProviderConfig(providerName string, config map[string]string) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO provider_configs (provider, config, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(provider) DO UPDATE SET config = excluded.config, updated_at = CURRENT_TIMESTAMP`,
		providerName, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}
	return nil
}

// LoadProviderConfig loads a provider's stored configuration.
func (s *SQLiteStorage) LoadProviderConfig(providerName string) (map[string]string, error) {
	var data string
	err := s.db.QueryRow(`SELECT config FROM provider_configs WHERE provider = ?`, providerName).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no configuration found for provider: %s", providerName)
		}
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}

	var config map[string]string
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}

// LoadAllProviderConfigs loads every stored provider configuration.
func (s *SQLiteStorage) LoadAllProviderConfigs() (map[string]map[string]string, error) {
	rows, err := s.db.Query(`SELECT provider, config FROM provider_configs`)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]map[string]string)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		var config map[string]string
		if err := json.Unmarshal([]byte(data), &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config for %s: %w", name, err)
		}
		configs[name] = config
	}
	return configs, rows.Err()
}

// SaveCallbackState stores pending 3D callback state and returns its id.
func (s *SQLiteStorage) SaveCallbackState(ctx context.Context, state provider.CallbackState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	expiresAt := time.Now().Add(callbackStateTTL)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO callbacks (provider, order_id, state_data, expires_at) VALUES (?, ?, ?, ?)`,
		state.Provider, state.OrderID, string(data), expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store callback state: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read callback state id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// LoadCallbackState retrieves a callback state by id. States are single-use
// and expire after 30 minutes; both conditions guard against replays.
func (s *SQLiteStorage) LoadCallbackState(ctx context.Context, stateID string) (*provider.CallbackState, error) {
	id, err := strconv.ParseInt(stateID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid callback state id: %w", err)
	}

	// Consume first. A separate check-then-set would let two concurrent
	// redirects with the same state both pass the used check.
	res, err := s.db.ExecContext(ctx,
		`UPDATE callbacks SET used = 1 WHERE id = ? AND used = 0`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume callback state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to consume callback state: %w", err)
	}
	if affected == 0 {
		return nil, errors.New("callback state not found or already used")
	}

	var (
		stateData string
		expiresAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT state_data, expires_at FROM callbacks WHERE id = ?`, id,
	).Scan(&stateData, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("callback state not found")
		}
		return nil, fmt.Errorf("failed to retrieve callback state: %w", err)
	}

	if time.Now().After(expiresAt) {
		return nil, errors.New("callback state expired")
	}

	var state provider.CallbackState
	if err := json.Unmarshal([]byte(stateData), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// CleanupExpiredCallbackStates removes expired callback states.
func (s *SQLiteStorage) CleanupExpiredCallbackStates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM callbacks WHERE expires_at < ?`, time.Now())
	if err != nil {
		return fmt.Errorf("failed to cleanup expired callback states: %w", err)
	}
	return nil
}
