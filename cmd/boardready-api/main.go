package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/auth"
	"github.com/MarcoPoloResearchLab/boardready/internal/config"
	"github.com/MarcoPoloResearchLab/boardready/internal/database"
	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
	"github.com/MarcoPoloResearchLab/boardready/internal/logging"
	"github.com/MarcoPoloResearchLab/boardready/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/boardready/internal/server"
	"github.com/MarcoPoloResearchLab/boardready/internal/storage"
	"github.com/MarcoPoloResearchLab/boardready/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardready-api",
		Short: "PCB manufacturing-readiness backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Artifact storage driver (memory, minio)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func newIssueTokenCommand() *cobra.Command {
	var (
		userID         string
		email          string
		organizationID string
		ttl            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a session token for automation or local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email, organizationID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token")
	cmd.Flags().StringVar(&email, "email", "", "User email placed in the token")
	cmd.Flags().StringVar(&organizationID, "org", "", "Organization id placed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
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
		Path:   appConfig.DatabasePath,
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

	objectStore, err := openObjectStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	var uploadLimiter server.UploadLimiter
	if appConfig.RateLimitEnabled() {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			Limit:    appConfig.UploadsPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			return err
		}
		defer limiter.Close() //nolint:errcheck
		uploadLimiter = limiter
		logger.Info("upload rate limit enabled", zap.Int("uploads_per_minute", appConfig.UploadsPerMinute))
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  devices.NewUUIDProvider(),
		Logger:      logger,
		ObjectStore: objectStore,
		Events:      realtime,
		EditPolicy:  devices.EditPolicy{LockAfterSubmit: appConfig.LockEditsAfterSubmit},
		MaxPageSize: appConfig.MaxPageSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Principals:        userService,
		Devices:           deviceService,
		Realtime:          realtime,
		UploadLimiter:     uploadLimiter,
		Logger:            logger,
		HeartbeatInterval: appConfig.EventHeartbeat,
		AllowedOrigins:    appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	// Cancelled before Shutdown so open event streams end.
	requestsCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return requestsCtx
		},
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		cancelRequests()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openObjectStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (devices.ObjectStore, error) {
	switch appConfig.StorageDriver {
	case config.StorageDriverMinio:
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  appConfig.MinioEndpoint,
			AccessKey: appConfig.MinioAccessKey,
			SecretKey: appConfig.MinioSecretKey,
			Bucket:    appConfig.MinioBucket,
			UseSSL:    appConfig.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("artifact storage ready", zap.String("driver", "minio"), zap.String("bucket", appConfig.MinioBucket))
		return store, nil
	default:
		logger.Warn("artifact storage is in memory; uploads are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}
