package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Credential is an encrypted exchange API key pair referenced by bots.
type Credential struct {
	ID        string
	Exchange  string
	APIKey    string // ciphertext (ENC[vN]:...) or plaintext for local testnet setups
	APISecret string
	Testnet   bool
	HedgeMode bool
}

// GetCredential returns the credential stored under ref.
func (d *Database) GetCredential(ctx context.Context, ref string) (Credential, error) {
	var (
		c                  Credential
		testnet, hedgeMode int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, exchange, api_key, api_secret, testnet, hedge_mode
		FROM credentials WHERE id = ?
	`, ref).Scan(&c.ID, &c.Exchange, &c.APIKey, &c.APISecret, &testnet, &hedgeMode)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.Testnet = testnet == 1
	c.HedgeMode = hedgeMode == 1
	return c, nil
}

// UpsertCredential stores c; the values are expected to be encrypted already.
func (d *Database) UpsertCredential(ctx context.Context, c Credential) error {
	if c.Exchange == "" {
		c.Exchange = "binance-usdtfut"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credentials (id, exchange, api_key, api_secret, testnet, hedge_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange = excluded.exchange,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			testnet = excluded.testnet,
			hedge_mode = excluded.hedge_mode
	`, c.ID, c.Exchange, c.APIKey, c.APISecret, boolInt(c.Testnet), boolInt(c.HedgeMode), nowMs())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
