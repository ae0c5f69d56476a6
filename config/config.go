// Package config loads the sigtrust TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
)

// DefaultLocation is read when no config file is named explicitly.
var DefaultLocation = "./sigtrust.conf"

// Config is the root of the config
type Config struct {
	Logging    Logging    `toml:"logging"`
	Cache      Cache      `toml:"cache"`
	Revocation Revocation `toml:"revocation"`
	Timestamp  Timestamp  `toml:"timestamp"`
	HSM        HSM        `toml:"hsm"`
	Compliance Compliance `toml:"compliance"`
	Audit      Audit      `toml:"audit"`
	Metrics    Metrics    `toml:"metrics"`
}

type Logging struct {
	Environment string `toml:"environment" valid:"in(production|development)"`
	Level       string `toml:"level" valid:"in(debug|info|warn|error)"`
}

// Cache configures the certificate store.
type Cache struct {
	MaxSize       int           `toml:"max_size" valid:"range(1|1000000)"`
	TTL           time.Duration `toml:"ttl"`
	TrustedRoots  []string      `toml:"trusted_roots"`  // PEM files
	Intermediates []string      `toml:"intermediates"` // PEM files
}

// Revocation configures OCSP/CRL checking.
type Revocation struct {
	Disabled   bool          `toml:"disabled"`
	Timeout    time.Duration `toml:"timeout"`
	MaxRetries int           `toml:"max_retries" valid:"range(0|10)"`
	Redis      Redis         `toml:"redis"`
}

// Redis enables the shared revocation response cache when Addr is set.
type Redis struct {
	Addr     string        `toml:"addr" valid:"dialstring"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	TTL      time.Duration `toml:"ttl"`
}

type Timestamp struct {
	URL      string `toml:"url" valid:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// HSM configures the signing gateway and its providers.
type HSM struct {
	DigestAlgorithm string        `toml:"digest_algorithm" valid:"in(SHA256|SHA384|SHA512)"`
	SignTimeout     time.Duration `toml:"sign_timeout"`
	MaxRetries      int           `toml:"max_retries" valid:"range(0|10)"`
	EmbedRevocation bool          `toml:"embed_revocation"`
	Providers       []Provider    `toml:"providers"`
}

// Provider is one [[hsm.providers]] entry. Options carries provider
// specific settings such as module paths or credential ids.
type Provider struct {
	Type     string            `toml:"type" valid:"required,in(CLOUD_HSM|KMS|GOOGLE_KMS|KEY_VAULT|PKCS11|SOFTWARE)"`
	Endpoint string            `toml:"endpoint"`
	Region   string            `toml:"region"`
	Timeout  time.Duration     `toml:"timeout"`
	Options  map[string]string `toml:"options"`
}

type Compliance struct {
	DefaultFramework string `toml:"default_framework" valid:"in(ESIGN|EIDAS|CFR_21_PART_11|UETA|PIPEDA|CUSTOM)"`
	GeneratedBy      string `toml:"generated_by"`
}

type Audit struct {
	Driver string `toml:"driver" valid:"in(memory|sqlite3)"`
	DSN    string `toml:"dsn"`
}

type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace" valid:"matches(^[a-z_]*$)"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Logging: Logging{Environment: "production", Level: "info"},
		Cache:   Cache{MaxSize: 1000, TTL: 24 * time.Hour},
		Revocation: Revocation{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			Redis:      Redis{Prefix: "sigtrust:revocation:", TTL: time.Hour},
		},
		HSM: HSM{
			DigestAlgorithm: "SHA256",
			SignTimeout:     30 * time.Second,
			MaxRetries:      2,
		},
		Compliance: Compliance{DefaultFramework: "ESIGN", GeneratedBy: "sigtrust"},
		Audit:      Audit{Driver: "memory"},
		Metrics:    Metrics{Namespace: "sigtrust"},
	}
}

// ValidateFields validates all the fields of the config
func (c Config) ValidateFields() error {
	_, err := govalidator.ValidateStruct(c)
	if err != nil {
		return err
	}
	if c.Audit.Driver == "sqlite3" && c.Audit.DSN == "" {
		return fmt.Errorf("audit: dsn is required for driver sqlite3")
	}
	return nil
}

// Load decodes and validates the config file at path on top of Default.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	if err := c.ValidateFields(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}
