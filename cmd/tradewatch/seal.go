package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/config"
	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/store/postgres"
)

// runSeal encrypts one account's exchange credentials into the credential
// table. Secrets come from the environment so they never reach shell history.
func runSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	configPath := fs.String("config", "tradewatch.toml", "path to configuration file")
	user := fs.String("user", "", "user id")
	exchange := fs.String("exchange", "", "exchange name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	book := domain.BookKey{User: *user, Exchange: *exchange}
	if book.User == "" || book.Exchange == "" {
		return errors.New("-user and -exchange are required")
	}

	creds := domain.Credentials{
		APIKey:     os.Getenv("TRADEWATCH_SEAL_API_KEY"),
		Secret:     os.Getenv("TRADEWATCH_SEAL_SECRET"),
		Passphrase: os.Getenv("TRADEWATCH_SEAL_PASSPHRASE"),
	}
	if creds.APIKey == "" || creds.Secret == "" {
		return errors.New("TRADEWATCH_SEAL_API_KEY and TRADEWATCH_SEAL_SECRET must be set")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	masterKey, err := crypto.LoadMasterKey(crypto.KeyConfig{
		MasterKey:     cfg.Credentials.MasterKey,
		MasterKeyFile: cfg.Credentials.MasterKeyFile,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: 1,
	}, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := postgres.NewCredentialStore(pg.Pool(), masterKey).Put(ctx, book, creds); err != nil {
		return err
	}
	fmt.Printf("sealed credentials for %s\n", book)
	return nil
}
