package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// CredentialStore resolves gateway credentials from exchange_credentials,
// opening the sealed columns with the master key.
type CredentialStore struct {
	pool      *pgxpool.Pool
	masterKey string
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(pool *pgxpool.Pool, masterKey string) *CredentialStore {
	return &CredentialStore{pool: pool, masterKey: masterKey}
}

func (s *CredentialStore) Credentials(ctx context.Context, book domain.BookKey) (domain.Credentials, error) {
	var apiKey string
	var sealedSecret, sealedPassphrase []byte
	err := s.pool.QueryRow(ctx,
		`SELECT api_key, sealed_secret, sealed_passphrase FROM exchange_credentials
		 WHERE user_id = $1 AND exchange = $2`,
		book.User, book.Exchange,
	).Scan(&apiKey, &sealedSecret, &sealedPassphrase)
	if err != nil {
		if isNoRows(err) {
			return domain.Credentials{}, fmt.Errorf("postgres: credentials %s: %w", book, domain.ErrNotFound)
		}
		return domain.Credentials{}, fmt.Errorf("postgres: credentials %s: %w", book, err)
	}

	secret, err := crypto.Open(sealedSecret, s.masterKey)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("postgres: credentials %s: %w", book, err)
	}
	creds := domain.Credentials{APIKey: apiKey, Secret: string(secret)}
	if len(sealedPassphrase) > 0 {
		pass, err := crypto.Open(sealedPassphrase, s.masterKey)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("postgres: credentials %s: %w", book, err)
		}
		creds.Passphrase = string(pass)
	}
	return creds, nil
}

// Put seals and stores credentials for book.
func (s *CredentialStore) Put(ctx context.Context, book domain.BookKey, creds domain.Credentials) error {
	sealedSecret, err := crypto.Seal([]byte(creds.Secret), s.masterKey)
	if err != nil {
		return fmt.Errorf("postgres: seal credentials %s: %w", book, err)
	}
	var sealedPassphrase []byte
	if creds.Passphrase != "" {
		if sealedPassphrase, err = crypto.Seal([]byte(creds.Passphrase), s.masterKey); err != nil {
			return fmt.Errorf("postgres: seal credentials %s: %w", book, err)
		}
	}

	const query = `
		INSERT INTO exchange_credentials (user_id, exchange, api_key, sealed_secret, sealed_passphrase, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, exchange) DO UPDATE SET
			api_key           = EXCLUDED.api_key,
			sealed_secret     = EXCLUDED.sealed_secret,
			sealed_passphrase = EXCLUDED.sealed_passphrase,
			updated_at        = NOW()`
	if _, err := s.pool.Exec(ctx, query, book.User, book.Exchange, creds.APIKey, sealedSecret, sealedPassphrase); err != nil {
		return fmt.Errorf("postgres: put credentials %s: %w", book, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ domain.CredentialSource = (*CredentialStore)(nil)
