package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/identity/keystore"
	identitydb "github.com/gemcap/gemcap/identity/store/db"
	"github.com/gemcap/gemcap/internal/history"
	"github.com/gemcap/gemcap/internal/ratelimit"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/tofu"
	tofudb "github.com/gemcap/gemcap/tofu/store/db"
)

const (
	dbName = "gemcap"

	trustPrefix    = "tofu/"
	identityPrefix = "identity/"
	historyPrefix  = ""

	hostIdleTTL = 10 * time.Minute
)

// environment holds the components shared by the commands. Close releases
// the database and stops the metrics server.
type environment struct {
	conf   *config.Config
	logger log.Logger

	db         dbm.DB
	verifier   *tofu.Verifier
	keys       identity.KeyStore
	identities *identity.Manager
	history    *history.Store
	client     *gemini.Client

	metricsServer *http.Server
}

// DBProvider opens the database. Tests replace it to run on memdb.
var DBProvider config.DBProvider = config.DefaultDBProvider

// KeyStoreProvider opens the key store. Tests replace it to skip disk I/O.
var KeyStoreProvider = func(conf *config.Config) (identity.KeyStore, error) {
	return keystore.NewFileKeyStore(conf.Identity.KeystorePath(), conf.Identity.KeystorePassphrase)
}

func loadEnvironment(conf *config.Config, logger log.Logger) (*environment, error) {
	db, err := DBProvider(&config.DBContext{ID: dbName, Config: conf})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	keys, err := KeyStoreProvider(conf)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open key store: %w", err)
	}

	env := &environment{
		conf:   conf,
		logger: logger,
		db:     db,
		keys:   keys,
	}

	env.verifier = tofu.NewVerifier(
		tofudb.New(db, trustPrefix),
		tofu.SystemRoots(conf.Trust.UseSystemRoots),
		tofu.Logger(logger.With("module", "tofu")),
	)
	env.identities = identity.NewManager(
		identitydb.New(db, identityPrefix),
		keys,
		identity.Logger(logger.With("module", "identity")),
	)
	env.history = history.New(db, historyPrefix)

	metrics := gemini.NopMetrics()
	if conf.Instrumentation.Prometheus {
		metrics = gemini.PrometheusMetrics(conf.Instrumentation.Namespace)
		env.startPrometheusServer()
	}

	env.client = gemini.NewClient(env.verifier, keys,
		gemini.Logger(logger.With("module", "gemini")),
		gemini.WithMetrics(metrics),
		gemini.Identities(env.identities),
		gemini.RateLimiter(ratelimit.New(conf.Client.HostRate, conf.Client.HostBurst, hostIdleTTL)),
		gemini.HandshakeTimeout(conf.Client.HandshakeTimeout),
		gemini.ReadTimeout(conf.Client.ReadTimeout),
		gemini.MaxRedirects(conf.Client.MaxRedirects),
		gemini.MaxResponseSize(conf.Client.MaxResponseSize),
	)
	return env, nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on PrometheusListenAddr.
func (env *environment) startPrometheusServer() {
	env.metricsServer = &http.Server{
		Addr: env.conf.Instrumentation.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := env.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			env.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
}

func (env *environment) Close() error {
	if env.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := env.metricsServer.Shutdown(ctx); err != nil {
			env.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}
	return env.db.Close()
}
