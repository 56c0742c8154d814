// Package bots seeds bot configurations and exchange credentials from YAML.
package bots

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"futures-worker/pkg/crypto"
	"futures-worker/pkg/db"
)

// BotConfig is one bot entry in YAML. Decimal fields are strings so
// precision survives parsing.
type BotConfig struct {
	ID              string `yaml:"id"`
	UserID          string `yaml:"user_id"`
	Symbol          string `yaml:"symbol"`
	Timeframe       string `yaml:"timeframe"`
	Sides           string `yaml:"sides"`
	Leverage        int    `yaml:"leverage"`
	SizingMode      string `yaml:"sizing_mode"`
	RiskFraction    string `yaml:"risk_fraction"`
	FixedNotional   string `yaml:"fixed_notional"`
	BalancePct      string `yaml:"balance_pct"`
	MaxPositionUSDT string `yaml:"max_position_usdt"`
	TPRMultiple     string `yaml:"tp_r_multiple"`
	Credential      string `yaml:"credential"`
	Enabled         *bool  `yaml:"enabled"`
}

// CredentialConfig names the environment variables holding a key pair.
// Secrets never live in the YAML itself.
type CredentialConfig struct {
	ID           string `yaml:"id"`
	Exchange     string `yaml:"exchange"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`
	Testnet      bool   `yaml:"testnet"`
	HedgeMode    bool   `yaml:"hedge_mode"`
}

// File represents the top-level YAML structure.
type File struct {
	Credentials []CredentialConfig `yaml:"credentials"`
	Bots        []BotConfig        `yaml:"bots"`
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, rejecting unknown keys.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse bots file: %w", err)
	}
	return &f, nil
}

// ToBots converts and validates every bot entry.
func (f *File) ToBots() ([]db.Bot, error) {
	out := make([]db.Bot, 0, len(f.Bots))
	seen := map[string]bool{}
	for i, c := range f.Bots {
		b, err := c.toBot()
		if err != nil {
			return nil, fmt.Errorf("bot %d (%s): %w", i, c.ID, err)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("bot %s: duplicate id", b.ID)
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	return out, nil
}

func (c BotConfig) toBot() (db.Bot, error) {
	b := db.Bot{
		ID:            strings.TrimSpace(c.ID),
		UserID:        c.UserID,
		Symbol:        strings.ToUpper(strings.TrimSpace(c.Symbol)),
		Timeframe:     strings.TrimSpace(c.Timeframe),
		SideWhitelist: strings.ToLower(c.Sides),
		Leverage:      c.Leverage,
		SizingMode:    strings.ToLower(c.SizingMode),
		CredentialRef: c.Credential,
		Enabled:       c.Enabled == nil || *c.Enabled,
	}
	if b.SideWhitelist == "" {
		b.SideWhitelist = "both"
	}
	if b.SizingMode == "" {
		b.SizingMode = db.SizingRisk
	}

	var err error
	if b.RiskFraction, err = parseDec("risk_fraction", c.RiskFraction); err != nil {
		return db.Bot{}, err
	}
	if b.FixedNotional, err = parseDec("fixed_notional", c.FixedNotional); err != nil {
		return db.Bot{}, err
	}
	if b.BalancePct, err = parseDec("balance_pct", c.BalancePct); err != nil {
		return db.Bot{}, err
	}
	if b.MaxPositionUSDT, err = parseDec("max_position_usdt", c.MaxPositionUSDT); err != nil {
		return db.Bot{}, err
	}
	if b.TPRMultiple, err = parseDec("tp_r_multiple", c.TPRMultiple); err != nil {
		return db.Bot{}, err
	}
	return b, validate(b)
}

func validate(b db.Bot) error {
	switch {
	case b.ID == "":
		return fmt.Errorf("id is required")
	case b.Symbol == "" || b.Timeframe == "":
		return fmt.Errorf("symbol and timeframe are required")
	case b.CredentialRef == "":
		return fmt.Errorf("credential is required")
	case b.Leverage < 1 || b.Leverage > 125:
		return fmt.Errorf("leverage %d out of range [1, 125]", b.Leverage)
	case b.MaxPositionUSDT.IsNegative() || b.TPRMultiple.IsNegative():
		return fmt.Errorf("max_position_usdt and tp_r_multiple must not be negative")
	}
	switch b.SideWhitelist {
	case "long", "short", "both":
	default:
		return fmt.Errorf("sides must be long, short or both, got %q", b.SideWhitelist)
	}

	one := decimal.NewFromInt(1)
	switch b.SizingMode {
	case db.SizingRisk:
		if !b.RiskFraction.IsPositive() || b.RiskFraction.GreaterThan(one) {
			return fmt.Errorf("risk_fraction must be in (0, 1]")
		}
	case db.SizingFixedNotional:
		if !b.FixedNotional.IsPositive() {
			return fmt.Errorf("fixed_notional must be positive")
		}
	case db.SizingBalancePct:
		if !b.BalancePct.IsPositive() || b.BalancePct.GreaterThan(one) {
			return fmt.Errorf("balance_pct must be in (0, 1]")
		}
	default:
		return fmt.Errorf("unknown sizing_mode %q", b.SizingMode)
	}
	return nil
}

func parseDec(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a number", field, s)
	}
	return d, nil
}

// SealedCredentials reads each key pair from the environment and seals it with
// keys. A nil keyring stores plaintext, which is only accepted for testnet.
func (f *File) SealedCredentials(keys *crypto.Keyring) ([]db.Credential, error) {
	out := make([]db.Credential, 0, len(f.Credentials))
	for _, c := range f.Credentials {
		if c.ID == "" {
			return nil, fmt.Errorf("credential id is required")
		}
		apiKey, apiSecret := os.Getenv(c.APIKeyEnv), os.Getenv(c.APISecretEnv)
		if apiKey == "" || apiSecret == "" {
			return nil, fmt.Errorf("credential %s: %s and %s must be set", c.ID, c.APIKeyEnv, c.APISecretEnv)
		}
		if keys == nil {
			if !c.Testnet {
				return nil, fmt.Errorf("credential %s: refusing to store mainnet keys unsealed", c.ID)
			}
		} else {
			var err error
			if apiKey, err = keys.Seal(apiKey); err != nil {
				return nil, fmt.Errorf("credential %s: %w", c.ID, err)
			}
			if apiSecret, err = keys.Seal(apiSecret); err != nil {
				return nil, fmt.Errorf("credential %s: %w", c.ID, err)
			}
		}
		out = append(out, db.Credential{
			ID:        c.ID,
			Exchange:  c.Exchange,
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   c.Testnet,
			HedgeMode: c.HedgeMode,
		})
	}
	return out, nil
}

// Sync upserts the credentials and bots of path into the database.
func Sync(ctx context.Context, d *db.Database, keys *crypto.Keyring, path string) (int, error) {
	f, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	creds, err := f.SealedCredentials(keys)
	if err != nil {
		return 0, err
	}
	bots, err := f.ToBots()
	if err != nil {
		return 0, err
	}
	for _, c := range creds {
		if err := d.UpsertCredential(ctx, c); err != nil {
			return 0, fmt.Errorf("upsert credential %s: %w", c.ID, err)
		}
	}
	if err := d.UpsertBots(ctx, bots); err != nil {
		return 0, err
	}
	return len(bots), nil
}
