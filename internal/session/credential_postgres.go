package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCredentialTableName = "beacon_credentials"
	postgresCredentialKey       = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCredentialStore persists the credential in Postgres, for kiosk and
// shared-workstation deployments where several shells share one login.
type PostgresCredentialStore struct {
	dsn           string
	tableName     string
	credentialKey string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCredentialStore(dsn string) (*PostgresCredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresCredentialStore{
		dsn:           dsn,
		tableName:     postgresCredentialTableName,
		credentialKey: postgresCredentialKey,
		openDB:        sql.Open,
	}, nil
}

func (s *PostgresCredentialStore) Load() (*Credential, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT token, expires_at FROM %s WHERE credential_key = $1", postgresQuoteIdentifier(s.tableName))
	var token string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, s.credentialKey).Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Credential{Token: token, ExpiresAt: expiresAt}, nil
}

func (s *PostgresCredentialStore) Save(cred Credential) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (credential_key, token, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (credential_key)
		DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.credentialKey, cred.Token, cred.ExpiresAt)
	return err
}

func (s *PostgresCredentialStore) Clear() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE credential_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.credentialKey)
	return err
}

func (s *PostgresCredentialStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCredentialStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				credential_key TEXT PRIMARY KEY,
				token TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
