// Package config builds the paymaster configuration once at startup. The
// resulting Config is passed to every component; nothing reads the
// environment after Load returns.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixelforge/pkg/auth"
	pkgconfig "pixelforge/pkg/config"
)

const (
	DedupBackendPostgres = "postgres"
	DedupBackendRedis    = "redis"
)

// Chain is the payment configuration of one network. A chain is enabled when
// both RPCURL and ReceivingWallet are set.
type Chain struct {
	Name            auth.ChainType
	RPCURL          string
	ReceivingWallet string
	// NativeCreditsPerUnit prices one whole ETH/POL/SOL. Zero disables
	// native payments on the chain.
	NativeCreditsPerUnit decimal.Decimal
}

func (c Chain) Enabled() bool {
	return c.RPCURL != "" && c.ReceivingWallet != ""
}

// NFTCollection is a collection whose holders may claim the bonus.
type NFTCollection struct {
	Chain    auth.ChainType
	Contract string
}

// CreditPack is a fixed-price Stripe purchase.
type CreditPack struct {
	ID          string
	PriceCents  int64
	Credits     int64
	Description string
}

type Config struct {
	Env        string
	Production bool
	Port       string

	DatabaseURL string
	JWTSecret   []byte
	// ServiceToken guards the operator routes; empty disables them.
	ServiceToken string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	CreditPacks         []CreditPack

	Chains     map[auth.ChainType]Chain
	RPCTimeout time.Duration

	CreditsPerUSD         int64
	GenerationCostCredits int64
	NFTBonusCredits       int64
	NFTCollections        []NFTCollection

	ImageAPIURL     string
	ImageAPIKey     string
	ImageAPITimeout time.Duration

	DedupBackend string
	RedisURL     string

	KafkaBrokers     []string
	KafkaLedgerTopic string

	// Warnings collects development fallbacks applied by Validate.
	Warnings []string

	// parseErrs are malformed entries Load had to skip.
	parseErrs []error
}

// Load reads the process environment. Call pkg/config.LoadEnv first to pick
// up local .env files.
func Load() *Config {
	cfg := &Config{
		Env:        pkgconfig.GetEnv("APP_ENV", "development"),
		Production: pkgconfig.IsProduction(),
		Port:       pkgconfig.GetEnv("PORT", "18090"),

		DatabaseURL:  pkgconfig.GetEnv("DATABASE_URL", ""),
		JWTSecret:    []byte(pkgconfig.GetEnv("JWT_SECRET", "")),
		ServiceToken: pkgconfig.GetEnv("SERVICE_TOKEN", ""),

		StripeSecretKey:     pkgconfig.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: pkgconfig.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeSuccessURL:    pkgconfig.GetEnv("STRIPE_SUCCESS_URL", "http://localhost:5173/billing?status=success"),
		StripeCancelURL:     pkgconfig.GetEnv("STRIPE_CANCEL_URL", "http://localhost:5173/billing?status=cancelled"),

		Chains:     make(map[auth.ChainType]Chain, len(auth.ValidChainTypes)),
		RPCTimeout: pkgconfig.GetEnvDuration("RPC_TIMEOUT", 10*time.Second),

		CreditsPerUSD:         pkgconfig.GetEnvInt64("CREDITS_PER_USD", 10),
		GenerationCostCredits: pkgconfig.GetEnvInt64("GENERATION_COST_CREDITS", 1),
		NFTBonusCredits:       pkgconfig.GetEnvInt64("NFT_BONUS_CREDITS", 50),

		ImageAPIURL:     pkgconfig.GetEnv("IMAGE_API_URL", ""),
		ImageAPIKey:     pkgconfig.GetEnv("IMAGE_API_KEY", ""),
		ImageAPITimeout: pkgconfig.GetEnvDuration("IMAGE_API_TIMEOUT", 60*time.Second),

		DedupBackend: strings.ToLower(pkgconfig.GetEnv("DEDUP_BACKEND", DedupBackendPostgres)),
		RedisURL:     pkgconfig.GetEnv("REDIS_URL", ""),

		KafkaBrokers:     pkgconfig.GetEnvList("KAFKA_BROKERS"),
		KafkaLedgerTopic: pkgconfig.GetEnv("KAFKA_LEDGER_TOPIC", "ledger_events"),
	}

	for _, name := range auth.ValidChainTypes {
		prefix := strings.ToUpper(string(name))
		chain := Chain{
			Name:            name,
			RPCURL:          pkgconfig.GetEnv(prefix+"_RPC_URL", ""),
			ReceivingWallet: pkgconfig.GetEnv(prefix+"_RECEIVING_WALLET", ""),
		}
		if raw := pkgconfig.GetEnv(prefix+"_NATIVE_CREDITS_PER_UNIT", ""); raw != "" {
			rate, err := decimal.NewFromString(raw)
			switch {
			case err != nil:
				cfg.parseErrs = append(cfg.parseErrs, fmt.Errorf("%s_NATIVE_CREDITS_PER_UNIT %q is not a decimal", prefix, raw))
			case rate.IsNegative():
				cfg.parseErrs = append(cfg.parseErrs, fmt.Errorf("%s_NATIVE_CREDITS_PER_UNIT must not be negative", prefix))
			default:
				chain.NativeCreditsPerUnit = rate
			}
		}
		cfg.Chains[name] = chain
	}

	var errs []error
	cfg.NFTCollections, errs = parseCollections(pkgconfig.GetEnvList("NFT_COLLECTIONS"))
	cfg.parseErrs = append(cfg.parseErrs, errs...)
	cfg.CreditPacks, errs = parseCreditPacks(pkgconfig.GetEnvList("CREDIT_PACKS"))
	cfg.parseErrs = append(cfg.parseErrs, errs...)
	if len(cfg.CreditPacks) == 0 {
		cfg.CreditPacks = defaultCreditPacks(cfg.CreditsPerUSD)
	}
	return cfg
}

// Validate checks the configuration. Production problems are joined into
// one error. In development, missing secrets fall back to safe behaviour and
// are recorded in Warnings.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	enabled := 0
	for _, name := range auth.ValidChainTypes {
		chain := c.Chains[name]
		prefix := strings.ToUpper(string(name))
		switch {
		case chain.Enabled():
			if _, err := auth.NormalizeAddress(name, chain.ReceivingWallet); err != nil {
				errs = append(errs, fmt.Errorf("%s_RECEIVING_WALLET: %w", prefix, err))
				continue
			}
			enabled++
		case chain.RPCURL != "" || chain.ReceivingWallet != "":
			errs = append(errs, fmt.Errorf("%s_RPC_URL and %s_RECEIVING_WALLET must be set together", prefix, prefix))
		}
	}

	if c.CreditsPerUSD <= 0 {
		errs = append(errs, errors.New("CREDITS_PER_USD must be positive"))
	}
	if c.GenerationCostCredits <= 0 {
		errs = append(errs, errors.New("GENERATION_COST_CREDITS must be positive"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("RPC_TIMEOUT must be positive"))
	}
	switch c.DedupBackend {
	case DedupBackendPostgres:
	case DedupBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when DEDUP_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("DEDUP_BACKEND must be %q or %q", DedupBackendPostgres, DedupBackendRedis))
	}

	if c.Production {
		errs = append(errs, c.parseErrs...)
		if len(c.JWTSecret) == 0 {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if enabled == 0 {
			errs = append(errs, errors.New("at least one chain must be configured in production"))
		}
		return errors.Join(errs...)
	}

	for _, err := range c.parseErrs {
		c.Warnings = append(c.Warnings, "ignored: "+err.Error())
	}
	if len(c.JWTSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			errs = append(errs, fmt.Errorf("generate development JWT secret: %w", err))
		} else {
			c.JWTSecret = []byte(hex.EncodeToString(secret))
			c.Warnings = append(c.Warnings, "JWT_SECRET not set; using a random per-process secret, tokens will not survive a restart")
		}
	}
	if !c.StripeEnabled() {
		c.Warnings = append(c.Warnings, "Stripe secrets not set; checkout is disabled and the webhook answers 503")
	}
	if enabled == 0 {
		c.Warnings = append(c.Warnings, "no chains configured; crypto payments are disabled")
	}
	return errors.Join(errs...)
}

// StripeEnabled reports whether both Stripe secrets are present.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}

// EnabledChains returns the configured chains in declaration order.
func (c *Config) EnabledChains() []Chain {
	out := make([]Chain, 0, len(c.Chains))
	for _, name := range auth.ValidChainTypes {
		if chain, ok := c.Chains[name]; ok && chain.Enabled() {
			out = append(out, chain)
		}
	}
	return out
}

// CreditPack returns the pack with the given id.
func (c *Config) CreditPack(id string) (CreditPack, bool) {
	for _, p := range c.CreditPacks {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPack{}, false
}

// parseCollections reads "chain:0xcontract" items. Malformed items are
// skipped and reported.
func parseCollections(items []string) ([]NFTCollection, []error) {
	var errs []error
	out := make([]NFTCollection, 0, len(items))
	for _, item := range items {
		chain, contract, ok := strings.Cut(item, ":")
		if !ok {
			errs = append(errs, fmt.Errorf("NFT_COLLECTIONS entry %q: want chain:0xcontract", item))
			continue
		}
		ct := auth.ChainType(strings.ToLower(strings.TrimSpace(chain)))
		if !auth.IsEVMChain(ct) {
			errs = append(errs, fmt.Errorf("NFT_COLLECTIONS entry %q: %q is not an EVM chain", item, chain))
			continue
		}
		addr, err := auth.NormalizeAddress(ct, contract)
		if err != nil {
			errs = append(errs, fmt.Errorf("NFT_COLLECTIONS entry %q: %w", item, err))
			continue
		}
		out = append(out, NFTCollection{Chain: ct, Contract: addr})
	}
	return out, errs
}

// parseCreditPacks reads "id:price_cents:credits" items. Malformed items are
// skipped and reported.
func parseCreditPacks(items []string) ([]CreditPack, []error) {
	var errs []error
	out := make([]CreditPack, 0, len(items))
	for _, item := range items {
		parts := strings.Split(item, ":")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			errs = append(errs, fmt.Errorf("CREDIT_PACKS entry %q: want id:price_cents:credits", item))
			continue
		}
		price, err1 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		credits, err2 := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err1 != nil || err2 != nil || price <= 0 || credits <= 0 {
			errs = append(errs, fmt.Errorf("CREDIT_PACKS entry %q: price and credits must be positive integers", item))
			continue
		}
		out = append(out, CreditPack{
			ID:          strings.TrimSpace(parts[0]),
			PriceCents:  price,
			Credits:     credits,
			Description: fmt.Sprintf("%d image credits", credits),
		})
	}
	return out, errs
}

func defaultCreditPacks(creditsPerUSD int64) []CreditPack {
	return []CreditPack{
		{ID: "starter", PriceCents: 500, Credits: 5 * creditsPerUSD, Description: fmt.Sprintf("%d image credits", 5*creditsPerUSD)},
		{ID: "creator", PriceCents: 2000, Credits: 20 * creditsPerUSD, Description: fmt.Sprintf("%d image credits", 20*creditsPerUSD)},
		{ID: "studio", PriceCents: 5000, Credits: 50 * creditsPerUSD, Description: fmt.Sprintf("%d image credits", 50*creditsPerUSD)},
	}
}
