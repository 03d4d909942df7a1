package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig carries the hot-reloadable billing policy.
type BillingConfig struct {
	TaxRate               float64 `mapstructure:"tax_rate"`
	Currency              string  `mapstructure:"currency"`
	IntegrityEpsilon      float64 `mapstructure:"integrity_epsilon"`
	StrictRateOverlap     bool    `mapstructure:"strict_rate_overlap"`
	ReconcileLookbackDays int     `mapstructure:"reconcile_lookback_days"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		TaxRate:          0,
		Currency:         "USD",
		IntegrityEpsilon: 0.01,
	}
}

// Tax returns the flat tax rate as a decimal.
func (c BillingConfig) Tax() decimal.Decimal {
	return decimal.NewFromFloat(c.TaxRate)
}

// Epsilon returns the invoice total tolerance as a decimal.
func (c BillingConfig) Epsilon() decimal.Decimal {
	return decimal.NewFromFloat(c.IntegrityEpsilon)
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfig returns a holder that never reloads.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(appCfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.billing")

	v := viper.New()
	if appCfg.BillingConfigFile != "" {
		v.SetConfigFile(appCfg.BillingConfigFile)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/meterflow")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("METERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.tax_rate", defaults.TaxRate)
	v.SetDefault("billing.currency", defaults.Currency)
	v.SetDefault("billing.integrity_epsilon", defaults.IntegrityEpsilon)
	v.SetDefault("billing.strict_rate_overlap", defaults.StrictRateOverlap)
	v.SetDefault("billing.reconcile_lookback_days", defaults.ReconcileLookbackDays)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated BillingConfig
			if err := v.UnmarshalKey("billing", &updated); err != nil {
				log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
				return
			}
			if err := validateBillingConfig(updated); err != nil {
				log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return errors.New("billing.tax_rate must be within [0, 1)")
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("billing.currency cannot be empty")
	}
	if cfg.IntegrityEpsilon <= 0 {
		return errors.New("billing.integrity_epsilon must be positive")
	}
	if cfg.ReconcileLookbackDays < 0 {
		return errors.New("billing.reconcile_lookback_days cannot be negative")
	}
	return nil
}
