// Package config loads clearnodectl settings. Sources are applied in order
// of increasing precedence: struct defaults, a TOML file, the environment
// (including a .env file) and finally command-line flags, which the caller
// applies.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/clearnode-go/internal/logctx"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every setting of a billing client run.
type Config struct {
	ClearnodeURL string `env:"CLEARNODE_URL" toml:"clearnode_url"`
	PayeeAddress string `env:"PAYEE_ADDRESS" toml:"payee_address"`
	PricePerItem string `env:"PRICE_PER_ITEM,default=0.001" toml:"price_per_item"`
	Deposit      string `env:"DEPOSIT,default=0.1" toml:"deposit"`
	Asset        string `env:"ASSET,default=eth" toml:"asset"`
	ChainID      int64  `env:"CHAIN_ID,default=11155111" toml:"chain_id"`

	Application string `env:"APPLICATION,default=YellowRead" toml:"application"`
	Protocol    string `env:"PROTOCOL,default=yellowread-pay-per-article-v1" toml:"protocol"`
	Scope       string `env:"SCOPE,default=app" toml:"scope"`

	SessionExpiry    time.Duration `env:"SESSION_EXPIRY,default=1h" toml:"session_expiry"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT,default=10s" toml:"connect_timeout"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=20s" toml:"handshake_timeout"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT,default=5s" toml:"ack_timeout"`

	EthRPCURL        string `env:"ETH_RPC_URL" toml:"eth_rpc_url"`
	WalletPrivateKey string `env:"WALLET_PRIVATE_KEY" toml:"wallet_private_key"`

	RedisAddr      string `env:"REDIS_ADDR" toml:"redis_addr"`
	CredentialFile string `env:"CREDENTIAL_FILE" toml:"credential_file"`

	OverflowPolicy string `env:"OVERFLOW_POLICY,default=clamp" toml:"overflow_policy"`
	LogLevel       string `env:"LOG_LEVEL,default=info" toml:"log_level"`
}

// Load reads .env from the working directory if present, then the TOML file
// at path if path is not empty, then the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if path != "" {
		var file Config
		meta, err := toml.DecodeFile(path, &file)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
		}
		overlayFile(&cfg, &file, meta)
	}
	return cfg, nil
}

// overlayFile copies every key defined in the file onto cfg unless the
// matching environment variable is set.
func overlayFile(cfg, file *Config, meta toml.MetaData) {
	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(file).Elem()
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("toml")
		if key == "" || !meta.IsDefined(key) {
			continue
		}
		envName, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if v, ok := os.LookupEnv(envName); ok && v != "" {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.PayeeAddress) {
		return fmt.Errorf("PAYEE_ADDRESS %q is not an address", c.PayeeAddress)
	}
	if _, err := c.Price(); err != nil {
		return err
	}
	if _, err := c.DepositAmount(); err != nil {
		return err
	}
	if _, err := c.Overflow(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Asset) == "" {
		return errors.New("ASSET is empty")
	}
	if c.ClearnodeURL != "" && !strings.HasPrefix(c.ClearnodeURL, "ws://") && !strings.HasPrefix(c.ClearnodeURL, "wss://") {
		return fmt.Errorf("CLEARNODE_URL %q must be a ws:// or wss:// URL", c.ClearnodeURL)
	}
	return nil
}

// Payee returns the payee address.
func (c Config) Payee() common.Address {
	return common.HexToAddress(c.PayeeAddress)
}

// Price parses PricePerItem.
func (c Config) Price() (decimal.Decimal, error) {
	return parseAmount("PRICE_PER_ITEM", c.PricePerItem)
}

// DepositAmount parses Deposit.
func (c Config) DepositAmount() (decimal.Decimal, error) {
	return parseAmount("DEPOSIT", c.Deposit)
}

// Overflow parses OverflowPolicy.
func (c Config) Overflow() (ledger.OverflowPolicy, error) {
	p, err := ledger.ParseOverflowPolicy(c.OverflowPolicy)
	if err != nil {
		return 0, fmt.Errorf("OVERFLOW_POLICY: %w", err)
	}
	return p, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Logger returns a text logger at LogLevel that adds session and message
// context to every record.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: h})
}

func parseAmount(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q: %w", name, s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s %q is negative", name, s)
	}
	return d, nil
}
