// Package config loads server configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alvn-cpu/mikrotikv2/internal/gateway"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/portal"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Stations StationsConfig `mapstructure:"stations"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Plans    []PlanConfig   `mapstructure:"plans"`
}

type ServerConfig struct {
	Port  string `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type PortalConfig struct {
	BaseURLOverride string   `mapstructure:"base_url_override"`
	PermittedHosts  []string `mapstructure:"permitted_hosts"`
	Scheme          string   `mapstructure:"scheme"`
}

type GatewayConfig struct {
	Mock         bool          `mapstructure:"mock"`
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	APIKey       string        `mapstructure:"api_key"`
	CallbackURL  string        `mapstructure:"callback_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type PaymentConfig struct {
	PushAttempts      int           `mapstructure:"push_attempts"`
	PushBackoff       time.Duration `mapstructure:"push_backoff"`
	CallbackTimeout   time.Duration `mapstructure:"callback_timeout"`
	MaxPending        time.Duration `mapstructure:"max_pending"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type StationsConfig struct {
	BaseOctet int           `mapstructure:"base_octet"`
	MaxBlocks int           `mapstructure:"max_blocks"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	AdminKey  string `mapstructure:"admin_key"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type PlanConfig struct {
	ID           string        `mapstructure:"id"`
	Name         string        `mapstructure:"name"`
	PriceKES     int64         `mapstructure:"price_kes"`
	Duration     time.Duration `mapstructure:"duration"`
	DataCapMB    int64         `mapstructure:"data_cap_mb"`
	DownloadKbps int           `mapstructure:"download_kbps"`
	UploadKbps   int           `mapstructure:"upload_kbps"`
}

// Load reads config.yaml from the given directory, layering environment
// variables on top (prefix WIFI_, dots become underscores).
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("WIFI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("database.path", "./wifi.db")
	v.SetDefault("portal.scheme", "http")
	v.SetDefault("gateway.mock", false)
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("payment.push_attempts", 3)
	v.SetDefault("payment.push_backoff", 2*time.Second)
	v.SetDefault("payment.callback_timeout", 2*time.Minute)
	v.SetDefault("payment.max_pending", 10*time.Minute)
	v.SetDefault("payment.reconcile_interval", 30*time.Second)
	v.SetDefault("stations.base_octet", 100)
	v.SetDefault("stations.max_blocks", 50)
	v.SetDefault("stations.cooldown", 24*time.Hour)
	v.SetDefault("auth.issuer", "wifi-billing")
	v.SetDefault("sweep.interval", time.Minute)
}

// PaymentPolicy converts the payment section to orchestrator settings.
func (c *Config) PaymentPolicy() payment.Config {
	return payment.Config{
		PushAttempts:      c.Payment.PushAttempts,
		PushBackoff:       c.Payment.PushBackoff,
		CallbackTimeout:   c.Payment.CallbackTimeout,
		MaxPending:        c.Payment.MaxPending,
		ReconcileInterval: c.Payment.ReconcileInterval,
	}
}

// StationPool converts the stations section to registry settings.
func (c *Config) StationPool() station.Config {
	return station.Config{
		BaseOctet: c.Stations.BaseOctet,
		MaxBlocks: c.Stations.MaxBlocks,
		Cooldown:  c.Stations.Cooldown,
	}
}

// CatalogPlans converts the plans section, falling back to the default tiers
// when none are configured.
func (c *Config) CatalogPlans() []plan.Plan {
	if len(c.Plans) == 0 {
		return plan.DefaultPlans()
	}
	out := make([]plan.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		out = append(out, plan.Plan{
			ID:           p.ID,
			Name:         p.Name,
			PriceKES:     p.PriceKES,
			Duration:     p.Duration,
			DataCapMB:    p.DataCapMB,
			DownloadKbps: p.DownloadKbps,
			UploadKbps:   p.UploadKbps,
		})
	}
	return out
}

// PortalContext converts the portal and server sections to the facts base
// URL resolution needs.
func (c *Config) PortalContext() portal.Context {
	port, _ := strconv.Atoi(c.Server.Port)
	return portal.Context{
		Override:       c.Portal.BaseURLOverride,
		Debug:          c.Server.Debug,
		PermittedHosts: c.Portal.PermittedHosts,
		Scheme:         c.Portal.Scheme,
		Port:           port,
	}
}

// BuniConfig converts the gateway section to client settings.
func (c *Config) BuniConfig() gateway.BuniConfig {
	return gateway.BuniConfig{
		BaseURL:      c.Gateway.BaseURL,
		ClientID:     c.Gateway.ClientID,
		ClientSecret: c.Gateway.ClientSecret,
		APIKey:       c.Gateway.APIKey,
		CallbackURL:  c.Gateway.CallbackURL,
		Timeout:      c.Gateway.Timeout,
	}
}
