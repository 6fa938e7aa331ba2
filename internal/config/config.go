package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tagtrader/internal/crypto"
	"tagtrader/internal/indicators"
)

const configFileENV = "CONFIG_FILE"

// Strategy holds the controller inputs
type Strategy struct {
	Tag            int64
	Lots           decimal.Decimal
	TakeProfitPips int64
	StopLossPips   int64
	Slippage       int64 // Points

	StochK       int
	StochD       int
	StochSlowing int
	StochHigh    float64
	StochLow     float64

	CCIPeriod int
	CCIHigh   float64
	CCILow    float64

	MFIPeriod int
	MFIHigh   float64
	MFILow    float64
}

// IndicatorParams returns the oscillator periods
func (s Strategy) IndicatorParams() indicators.Params {
	return indicators.Params{
		StochK:       s.StochK,
		StochD:       s.StochD,
		StochSlowing: s.StochSlowing,
		CCIPeriod:    s.CCIPeriod,
		MFIPeriod:    s.MFIPeriod,
	}
}

// Binance holds live venue credentials
type Binance struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	StopLevel int64
}

// Paper holds the paper venue account settings
type Paper struct {
	Balance    decimal.Decimal
	Commission decimal.Decimal // Per lot
	Point      decimal.Decimal
	Digits     int32
	StopLevel  int64
}

// Postgres holds journal connection settings; the journal is enabled when Host is set
type Postgres struct {
	Host         string
	Port         string
	User         string
	Password     string
	PasswordFile string
	Database     string
	SSLMode      string
}

// Telegram holds notifier settings; notifications are disabled when either is empty
type Telegram struct {
	Token  string
	ChatID int64
}

// Config holds the application configuration
type Config struct {
	Strategy Strategy

	Symbol      string
	Timeframe   string
	MockMode    bool
	Port        int
	LogLevel    string
	ReportFile  string
	ResetReport bool // Delete the previous run's report at startup
	SaveEvery   time.Duration

	Binance  Binance
	Paper    Paper
	Postgres Postgres
	Telegram Telegram
}

// JournalEnabled reports whether trades should be recorded in PostgreSQL
func (c *Config) JournalEnabled() bool {
	return c.Postgres.Host != ""
}

// NotifyEnabled reports whether Telegram notifications are configured
func (c *Config) NotifyEnabled() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != 0
}

// Load reads .env, an optional config file named by CONFIG_FILE, and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := v.GetString(configFileENV); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := openSealed(v, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MAGIC", 0)
	v.SetDefault("LOTS", "0.01")
	v.SetDefault("TP_PIPS", 100)
	v.SetDefault("SL_PIPS", 100)
	v.SetDefault("SLIPPAGE", 100)

	v.SetDefault("STOCH_K", 5)
	v.SetDefault("STOCH_D", 3)
	v.SetDefault("STOCH_SLOWING", 3)
	v.SetDefault("STOCH_MAX", 80.0)
	v.SetDefault("STOCH_MIN", 20.0)

	v.SetDefault("CCI_PERIOD", 14)
	v.SetDefault("CCI_MAX", 100.0)
	v.SetDefault("CCI_MIN", -100.0)

	v.SetDefault("MFI_PERIOD", 14)
	v.SetDefault("MFI_MAX", 80.0)
	v.SetDefault("MFI_MIN", 20.0)

	v.SetDefault("SYMBOL", "BTCUSDT")
	v.SetDefault("TIMEFRAME", "15m")
	v.SetDefault("MOCK_MODE", true) // Default to mock mode for safety
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REPORT_FILE", "./report.json")
	v.SetDefault("RESET_REPORT", false)
	v.SetDefault("SAVE_EVERY", "5s")

	v.SetDefault("BINANCE_STOP_LEVEL", 0)

	v.SetDefault("PAPER_BALANCE", "10000")
	v.SetDefault("PAPER_COMMISSION", "0")
	v.SetDefault("PAPER_POINT", "0.01")
	v.SetDefault("PAPER_DIGITS", 2)
	v.SetDefault("PAPER_STOP_LEVEL", 50)

	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "tagtrader")
	v.SetDefault("POSTGRES_DB", "tagtrader")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("POSTGRES_PASSWORD_FILE", "/run/secrets/postgres_password")

	v.SetDefault("ENCRYPTION_KEY_FILE", "/run/secrets/encryption_key")
}

// openSealed decrypts credentials stored as enc:iv:tag:ciphertext. The key is
// only required when at least one value is sealed.
func openSealed(v *viper.Viper, cfg *Config) error {
	secrets := map[string]*string{
		"API_KEY":            &cfg.Binance.APIKey,
		"SECRET_KEY":         &cfg.Binance.SecretKey,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.Token,
		"POSTGRES_PASSWORD":  &cfg.Postgres.Password,
	}

	var key string
	for name, value := range secrets {
		if !crypto.IsSealed(*value) {
			continue
		}

		if key == "" {
			k, err := crypto.LoadKey(v.GetString("ENCRYPTION_KEY_FILE"), v.GetString("ENCRYPTION_KEY"))
			if err != nil {
				return errors.Wrapf(err, "%s is sealed", name)
			}
			key = k
		}

		plain, err := crypto.Open(*value, key)
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		*value = plain
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	lots, err := decimalValue(v, "LOTS")
	if err != nil {
		return nil, err
	}
	balance, err := decimalValue(v, "PAPER_BALANCE")
	if err != nil {
		return nil, err
	}
	commission, err := decimalValue(v, "PAPER_COMMISSION")
	if err != nil {
		return nil, err
	}
	point, err := decimalValue(v, "PAPER_POINT")
	if err != nil {
		return nil, err
	}

	return &Config{
		Strategy: Strategy{
			Tag:            v.GetInt64("MAGIC"),
			Lots:           lots,
			TakeProfitPips: v.GetInt64("TP_PIPS"),
			StopLossPips:   v.GetInt64("SL_PIPS"),
			Slippage:       v.GetInt64("SLIPPAGE"),
			StochK:         v.GetInt("STOCH_K"),
			StochD:         v.GetInt("STOCH_D"),
			StochSlowing:   v.GetInt("STOCH_SLOWING"),
			StochHigh:      v.GetFloat64("STOCH_MAX"),
			StochLow:       v.GetFloat64("STOCH_MIN"),
			CCIPeriod:      v.GetInt("CCI_PERIOD"),
			CCIHigh:        v.GetFloat64("CCI_MAX"),
			CCILow:         v.GetFloat64("CCI_MIN"),
			MFIPeriod:      v.GetInt("MFI_PERIOD"),
			MFIHigh:        v.GetFloat64("MFI_MAX"),
			MFILow:         v.GetFloat64("MFI_MIN"),
		},
		Symbol:      strings.ToUpper(v.GetString("SYMBOL")),
		Timeframe:   v.GetString("TIMEFRAME"),
		MockMode:    v.GetBool("MOCK_MODE"),
		Port:        v.GetInt("PORT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		ReportFile:  v.GetString("REPORT_FILE"),
		ResetReport: v.GetBool("RESET_REPORT"),
		SaveEvery:   v.GetDuration("SAVE_EVERY"),
		Binance: Binance{
			APIKey:    v.GetString("API_KEY"),
			SecretKey: v.GetString("SECRET_KEY"),
			BaseURL:   v.GetString("BINANCE_BASE_URL"),
			StopLevel: v.GetInt64("BINANCE_STOP_LEVEL"),
		},
		Paper: Paper{
			Balance:    balance,
			Commission: commission,
			Point:      point,
			Digits:     v.GetInt32("PAPER_DIGITS"),
			StopLevel:  v.GetInt64("PAPER_STOP_LEVEL"),
		},
		Postgres: Postgres{
			Host:         v.GetString("POSTGRES_HOST"),
			Port:         v.GetString("POSTGRES_PORT"),
			User:         v.GetString("POSTGRES_USER"),
			Password:     v.GetString("POSTGRES_PASSWORD"),
			PasswordFile: v.GetString("POSTGRES_PASSWORD_FILE"),
			Database:     v.GetString("POSTGRES_DB"),
			SSLMode:      v.GetString("POSTGRES_SSLMODE"),
		},
		Telegram: Telegram{
			Token:  v.GetString("TELEGRAM_BOT_TOKEN"),
			ChatID: v.GetInt64("TELEGRAM_CHAT_ID"),
		},
	}, nil
}

func decimalValue(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s must be a decimal", key)
	}
	return d, nil
}

// Validate rejects settings the controller cannot trade with
func (c *Config) Validate() error {
	s := c.Strategy

	if !s.Lots.IsPositive() {
		return errors.New("LOTS must be positive")
	}
	if s.TakeProfitPips <= 0 || s.StopLossPips <= 0 {
		return errors.New("TP_PIPS and SL_PIPS must be positive")
	}
	if s.Slippage < 0 {
		return errors.New("SLIPPAGE must not be negative")
	}
	if s.StochK <= 0 || s.StochD <= 0 || s.StochSlowing <= 0 {
		return errors.New("STOCH_K, STOCH_D and STOCH_SLOWING must be positive")
	}
	if s.CCIPeriod <= 0 || s.MFIPeriod <= 0 {
		return errors.New("CCI_PERIOD and MFI_PERIOD must be positive")
	}
	if s.StochLow >= s.StochHigh {
		return errors.New("STOCH_MIN must be < STOCH_MAX")
	}
	if s.CCILow >= s.CCIHigh {
		return errors.New("CCI_MIN must be < CCI_MAX")
	}
	if s.MFILow >= s.MFIHigh {
		return errors.New("MFI_MIN must be < MFI_MAX")
	}
	if c.Symbol == "" {
		return errors.New("SYMBOL is required")
	}
	if c.Port <= 0 {
		return errors.New("PORT must be positive")
	}
	if !c.MockMode && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") {
		return errors.New("API_KEY and SECRET_KEY are required for live trading")
	}
	if c.MockMode && !c.Paper.Point.IsPositive() {
		return errors.New("PAPER_POINT must be positive")
	}
	return nil
}
