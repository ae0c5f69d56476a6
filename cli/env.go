package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/digitorus/sigtrust"
	"github.com/digitorus/sigtrust/auditlog"
	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/config"
	"github.com/digitorus/sigtrust/hsm"
	"github.com/digitorus/sigtrust/internal/logging"
	"github.com/digitorus/sigtrust/metrics"
	"github.com/digitorus/sigtrust/revocation"
	"github.com/digitorus/sigtrust/signers/aws"
	"github.com/digitorus/sigtrust/signers/azure"
	"github.com/digitorus/sigtrust/signers/csc"
	"github.com/digitorus/sigtrust/signers/gcp"
	"github.com/digitorus/sigtrust/signers/pkcs11"
	"github.com/digitorus/sigtrust/signers/software"
)

// environment is the set of components built from one configuration.
type environment struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	service  *sigtrust.Service

	// providers holds the per type configuration handed to the gateway
	// on first use.
	providers map[hsm.ProviderType]hsm.ProviderConfig

	redis *redis.Client
}

// loadConfig reads path, or DefaultLocation when path is empty and the file
// exists. Without a file the built in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultLocation); err != nil {
			c := config.Default()
			return &c, nil
		}
		path = config.DefaultLocation
	}
	return config.Load(path)
}

func newEnvironment(cfg *config.Config) (_ *environment, err error) {
	logger, err := logging.New(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	env := &environment{
		cfg:       cfg,
		logger:    logger,
		providers: make(map[hsm.ProviderType]hsm.ProviderConfig),
	}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		env.registry = prometheus.NewRegistry()
		if m, err = metrics.New(env.registry, cfg.Metrics.Namespace); err != nil {
			return nil, err
		}
	}

	var cache revocation.Cache
	if cfg.Revocation.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Revocation.Redis.Addr,
			Password: cfg.Revocation.Redis.Password,
			DB:       cfg.Revocation.Redis.DB,
		})
		cache = revocation.NewRedisCache(env.redis, cfg.Revocation.Redis.Prefix, cfg.Revocation.Redis.TTL, logger)
	} else {
		cache = revocation.NewMemoryCache(cfg.Revocation.Redis.TTL)
	}
	checker := revocation.NewHTTPChecker(revocation.Options{
		Timeout:    cfg.Revocation.Timeout,
		MaxRetries: cfg.Revocation.MaxRetries,
		Cache:      cache,
		Logger:     logger,
		Metrics:    m,
	})

	store := certstore.New(certstore.Options{
		MaxSize:           cfg.Cache.MaxSize,
		TTL:               cfg.Cache.TTL,
		Checker:           checker,
		DisableRevocation: cfg.Revocation.Disabled,
		Logger:            logger,
		Metrics:           m,
	})
	if err := loadPEMFiles(cfg.Cache.TrustedRoots, store.AddTrustedRootsPEM); err != nil {
		return nil, fmt.Errorf("trusted roots: %w", err)
	}
	if err := loadPEMFiles(cfg.Cache.Intermediates, store.AddIntermediatesPEM); err != nil {
		return nil, fmt.Errorf("intermediates: %w", err)
	}

	digest, err := hsm.ParseDigestAlgorithm(cfg.HSM.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	gateway := hsm.NewGateway(hsm.Options{
		DigestAlgorithm: digest,
		SignTimeout:     cfg.HSM.SignTimeout,
		MaxRetries:      cfg.HSM.MaxRetries,
		Store:           store,
		TSA: hsm.TSA{
			URL:      cfg.Timestamp.URL,
			Username: cfg.Timestamp.Username,
			Password: cfg.Timestamp.Password,
		},
		EmbedRevocation: cfg.HSM.EmbedRevocation,
		Revocation:      checker,
		Logger:          logger,
		Metrics:         m,
	})
	for _, p := range cfg.HSM.Providers {
		t, err := hsm.ParseProviderType(p.Type)
		if err != nil {
			return nil, err
		}
		if _, dup := env.providers[t]; dup {
			return nil, fmt.Errorf("hsm: provider %s configured twice", t)
		}
		if err := gateway.RegisterProvider(t, newProvider(t)); err != nil {
			return nil, err
		}
		env.providers[t] = hsm.ProviderConfig{
			Endpoint: p.Endpoint,
			Region:   p.Region,
			Timeout:  p.Timeout,
			Options:  p.Options,
		}
	}

	var auditStore auditlog.Store
	if cfg.Audit.Driver == "sqlite3" {
		if auditStore, err = auditlog.OpenSQLite(cfg.Audit.DSN, logger); err != nil {
			return nil, err
		}
	}
	engine := compliance.NewEngine(compliance.Options{
		Audit:            auditlog.NewLog(auditStore, logger, m),
		DefaultFramework: compliance.Framework(cfg.Compliance.DefaultFramework),
		GeneratedBy:      cfg.Compliance.GeneratedBy,
		Logger:           logger,
		Metrics:          m,
	})

	env.service = sigtrust.New(sigtrust.Options{
		Store:      store,
		Gateway:    gateway,
		Compliance: engine,
		Logger:     logger,
		Metrics:    m,
	})
	return env, nil
}

// newProvider returns an uninitialized provider for t. Cloud clients are
// created from the ambient credentials when the provider is initialized.
func newProvider(t hsm.ProviderType) hsm.Provider {
	switch t {
	case hsm.ProviderCloudHSM:
		return csc.NewProvider(nil)
	case hsm.ProviderKMS:
		return aws.NewProvider(nil)
	case hsm.ProviderGoogleKMS:
		return gcp.NewProvider(nil)
	case hsm.ProviderKeyVault:
		return azure.NewProvider(nil)
	case hsm.ProviderPKCS11:
		return pkcs11.NewProvider(nil)
	}
	return software.New()
}

func loadPEMFiles(paths []string, add func([]byte) (int, error)) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := add(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// providerConfig returns the configuration for t, failing when t was not
// configured.
func (e *environment) providerConfig(t hsm.ProviderType) (hsm.ProviderConfig, error) {
	cfg, ok := e.providers[t]
	if !ok {
		return hsm.ProviderConfig{}, fmt.Errorf("hsm: provider %s is not configured", t)
	}
	return cfg, nil
}

// writeMetrics dumps the registry in the text exposition format for the
// node exporter textfile collector.
func (e *environment) writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	if e.registry == nil {
		return errors.New("metrics: --metrics-textfile requires metrics.enabled")
	}
	return prometheus.WriteToTextfile(path, e.registry)
}

func (e *environment) initializeProviders(ctx context.Context) error {
	return e.service.Gateway().InitializeAllProviders(ctx, e.providers)
}

func (e *environment) Close() error {
	var errs []error
	if e.service != nil {
		errs = append(errs, e.service.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	_ = e.logger.Sync()
	return errors.Join(errs...)
}
