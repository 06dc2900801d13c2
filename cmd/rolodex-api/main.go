package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/rolodex/internal/auth"
	"github.com/MarcoPoloResearchLab/rolodex/internal/cache"
	"github.com/MarcoPoloResearchLab/rolodex/internal/config"
	"github.com/MarcoPoloResearchLab/rolodex/internal/contacts"
	"github.com/MarcoPoloResearchLab/rolodex/internal/database"
	"github.com/MarcoPoloResearchLab/rolodex/internal/identity"
	"github.com/MarcoPoloResearchLab/rolodex/internal/location"
	"github.com/MarcoPoloResearchLab/rolodex/internal/logging"
	"github.com/MarcoPoloResearchLab/rolodex/internal/media"
	"github.com/MarcoPoloResearchLab/rolodex/internal/messages"
	"github.com/MarcoPoloResearchLab/rolodex/internal/metrics"
	"github.com/MarcoPoloResearchLab/rolodex/internal/server"
	"github.com/MarcoPoloResearchLab/rolodex/internal/throttle"
	"github.com/MarcoPoloResearchLab/rolodex/internal/users"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	userCachePrefix  = "rolodex:users:"
	mediaCachePrefix = "rolodex:media:"
	shutdownTimeout  = 10 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rolodex-api",
		Short: "Rolodex contact resolution and enrichment service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "Path to a dotenv file (defaults to .env when present)")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("session-secret", "", "Session JWT signing secret (overrides env)")
	flags.String("session-issuer", defaults.GetString("session.issuer"), "Expected session JWT issuer")
	flags.String("session-cookie", defaults.GetString("session.cookie_name"), "Session cookie name")
	flags.Float64("name-threshold", defaults.GetFloat64("matching.name_threshold"), "Fuzzy name match threshold (0-1)")
	flags.String("phone-country-code", defaults.GetString("phone.country_code"), "Default phone country code")
	flags.Int("phone-national-length", defaults.GetInt("phone.national_length"), "National phone number length")
	flags.String("cache-backend", defaults.GetString("cache.backend"), "Cache backend (memory, redis)")
	flags.Int("cache-capacity", defaults.GetInt("cache.capacity"), "In-memory cache capacity")
	flags.Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Cache entry time to live")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis cache backend")
	flags.Float64("ratelimit-rps", defaults.GetFloat64("ratelimit.rps"), "Ingestion requests per second per user")
	flags.Int("ratelimit-burst", defaults.GetInt("ratelimit.burst"), "Ingestion burst per user")
	flags.String("media-bucket", defaults.GetString("media.bucket"), "GCS bucket for mirrored profile images")
	flags.String("media-public-url", defaults.GetString("media.public_base_url"), "Public base URL of mirrored images")
	flags.Duration("media-fetch-timeout", defaults.GetDuration("media.fetch_timeout"), "Profile image download timeout")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "session-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie")
	bindFlag(cmd, "matching.name_threshold", "name-threshold")
	bindFlag(cmd, "phone.country_code", "phone-country-code")
	bindFlag(cmd, "phone.national_length", "phone-national-length")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "cache.capacity", "cache-capacity")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "ratelimit.rps", "ratelimit-rps")
	bindFlag(cmd, "ratelimit.burst", "ratelimit-burst")
	bindFlag(cmd, "media.bucket", "media-bucket")
	bindFlag(cmd, "media.public_base_url", "media-public-url")
	bindFlag(cmd, "media.fetch_timeout", "media-fetch-timeout")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	stores, err := openCaches(ctx, appConfig)
	if err != nil {
		return err
	}
	defer stores.Close()

	recorder := metrics.NewRecorder()
	realtime := server.NewRealtimeDispatcher()

	mirror, closeMirror, err := buildImageMirror(ctx, appConfig, stores.media, logger)
	if err != nil {
		return err
	}
	defer closeMirror()

	phoneRules := identity.PhoneRules{
		CountryCode:    appConfig.PhoneCountryCode,
		NationalLength: appConfig.PhoneNationalLen,
	}

	contactsService, err := contacts.NewService(contacts.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    contacts.NewUUIDProvider(),
		Logger:        logger,
		PhoneRules:    phoneRules,
		NameThreshold: appConfig.NameThreshold,
		Locations:     location.NewNormalizer(nil),
		Images:        mirror,
		Notifier:      realtime,
		Metrics:       recorder,
	})
	if err != nil {
		return err
	}

	messagesService, err := messages.NewService(messages.ServiceConfig{
		Database:   db,
		Contacts:   contactsService,
		Resolver:   contactsService.Resolver(),
		PhoneRules: phoneRules,
		Clock:      time.Now,
		Logger:     logger,
		Notifier:   realtime,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Cache:    stores.users,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	limiter, err := throttle.New(throttle.Config{
		RequestsPerSecond: appConfig.RateLimitRPS,
		Burst:             appConfig.RateLimitBurst,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:        sessionValidator,
		Users:           usersService,
		ContactsService: contactsService,
		MessagesService: messagesService,
		Realtime:        realtime,
		Limiter:         limiter,
		Metrics:         recorder,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("cache_backend", appConfig.CacheBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type cacheStores struct {
	users  cache.Store[string]
	media  cache.Store[string]
	client *goredis.Client
}

func (s cacheStores) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

// openCaches builds the canonical-user and mirrored-image caches on the configured backend.
func openCaches(ctx context.Context, appConfig config.AppConfig) (cacheStores, error) {
	if appConfig.CacheBackend == "redis" {
		client, err := cache.DialRedis(ctx, appConfig.RedisAddress)
		if err != nil {
			return cacheStores{}, err
		}
		usersStore, err := cache.NewRedis(cache.RedisConfig{Client: client, Prefix: userCachePrefix, TTL: appConfig.CacheTTL})
		if err != nil {
			_ = client.Close()
			return cacheStores{}, err
		}
		mediaStore, err := cache.NewRedis(cache.RedisConfig{Client: client, Prefix: mediaCachePrefix, TTL: appConfig.CacheTTL})
		if err != nil {
			_ = client.Close()
			return cacheStores{}, err
		}
		return cacheStores{users: usersStore, media: mediaStore, client: client}, nil
	}

	memoryConfig := cache.MemoryConfig{Capacity: appConfig.CacheCapacity, TTL: appConfig.CacheTTL}
	usersStore, err := cache.NewMemory[string](memoryConfig)
	if err != nil {
		return cacheStores{}, err
	}
	mediaStore, err := cache.NewMemory[string](memoryConfig)
	if err != nil {
		return cacheStores{}, err
	}
	return cacheStores{users: usersStore, media: mediaStore}, nil
}

// buildImageMirror uploads profile images to GCS when a bucket is configured and otherwise
// keeps the scraped URLs as they are.
func buildImageMirror(ctx context.Context, appConfig config.AppConfig, store cache.Store[string], logger *zap.Logger) (contacts.ImageMirror, func(), error) {
	if appConfig.MediaBucket == "" {
		return media.PassthroughMirror{}, func() {}, nil
	}
	uploader, err := media.NewGCSUploader(ctx, media.GCSConfig{
		Bucket:        appConfig.MediaBucket,
		PublicBaseURL: appConfig.MediaPublicURL,
	})
	if err != nil {
		return nil, nil, err
	}
	mirror, err := media.NewHTTPMirror(media.HTTPMirrorConfig{
		Uploader:     uploader,
		Cache:        store,
		FetchTimeout: appConfig.MediaFetchTimeout,
		Logger:       logger,
	})
	if err != nil {
		_ = uploader.Close()
		return nil, nil, err
	}
	return mirror, func() { _ = uploader.Close() }, nil
}
