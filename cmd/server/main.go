package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/mcp"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", config.DefaultPath(), "Path to the configuration file")
	forget      = flag.Bool("forget", false, "Remove the accounts' stored passwords from the keyring and exit")
)

const logoutTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync version %s\n", version)
		os.Exit(0)
	}

	// stdout carries the MCP stream
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel())

	if *forget {
		if err := forgetPasswords(cfg, logger); err != nil {
			logger.WithError(err).Fatal("Failed to forget passwords")
		}
		return
	}

	logger.WithField("version", version).Info("Starting mailsync")

	mailCache, err := cache.NewCache(cfg.Cache.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer mailCache.Close()
	cacheStore := cache.NewStore(mailCache, logger)

	registry := rpc.NewRegistry(logger,
		rpc.WithTimeout(cfg.RPC.Timeout),
		rpc.WithSignatureTimeout(cfg.RPC.SignatureTimeout),
		rpc.WithApplication(rpc.Application{
			Name:    cfg.RPC.Application.Name,
			Vendor:  cfg.RPC.Application.Vendor,
			Version: cfg.RPC.Application.Version,
		}),
	)

	loop := worker.NewLoop(logger)
	emailManager, err := email.NewManager(registry, cacheStore, loop, email.Options{
		Workers:       cfg.Sync.Workers,
		MessageLimit:  cfg.Sync.MessageLimit,
		SanitizeHTML:  cfg.Sync.SanitizeHTML,
		BodyCacheSize: cfg.Sync.BodyCacheSize,
		PollTimeout:   cfg.Listener.PollTimeout,
		RetryBase:     cfg.Listener.RetryBase,
		RetryMax:      cfg.Listener.RetryMax,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync engine")
	}

	server, err := mcp.NewServer(cfg, emailManager, cacheStore, loop, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectAccounts(ctx, cfg, emailManager, server, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var fast atomic.Bool
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig).Info("Received shutdown signal")
		// Ctrl-C skips the logout round-trips
		fast.Store(sig == os.Interrupt)
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("Server error")
	}

	logger.Info("Shutting down mailsync")
	emailManager.Shutdown()
	if fast.Load() {
		registry.CloseAll()
		return
	}
	logoutCtx, done := context.WithTimeout(context.Background(), logoutTimeout)
	defer done()
	registry.DisconnectAll(logoutCtx)
}

func openKeyring(cfg *config.Config) (*credential.Store, error) {
	return credential.Open(filepath.Join(filepath.Dir(cfg.Cache.Path), "keyring"))
}

// connectAccounts logs every configured account in, syncs its folders and
// starts its change listener. A failing account is logged and skipped. A
// password given in the config together with a password_key is stored in
// the keyring once it has logged in, so the file can drop it afterwards.
func connectAccounts(ctx context.Context, cfg *config.Config, emailManager *email.Manager, server *mcp.Server, logger *logrus.Logger) {
	var creds *credential.Store

	for i, accCfg := range cfg.Accounts {
		log := logger.WithField("account", accCfg.Name)

		if accCfg.PasswordKey != "" && creds == nil {
			store, err := openKeyring(cfg)
			if err != nil {
				log.WithError(err).Error("Failed to open keyring")
				if accCfg.Password == "" {
					continue
				}
			}
			creds = store
		}

		password := accCfg.Password
		if password == "" {
			resolved, err := creds.Resolve(accCfg.Password, accCfg.PasswordKey)
			if err != nil {
				log.WithError(err).Error("Failed to resolve password")
				continue
			}
			password = resolved
		}

		acc := &types.Account{
			Name:         accCfg.Name,
			Email:        accCfg.Email,
			Server:       accCfg.Server,
			Username:     accCfg.Username,
			Password:     password,
			IsDefault:    accCfg.IsDefault,
			DisplayOrder: i,
		}
		if err := emailManager.Connect(ctx, acc); err != nil {
			log.WithError(err).Error("Failed to connect account")
			continue
		}
		log.WithField("account_id", acc.ID).Info("Account connected")

		if accCfg.Password != "" && creds != nil {
			stored, err := creds.Remember(accCfg.PasswordKey, accCfg.Password)
			if err != nil {
				log.WithError(err).Warn("Failed to store password in keyring")
			} else if stored {
				log.WithField("password_key", accCfg.PasswordKey).Info("Password stored in keyring")
			}
		}

		emailManager.SyncFolders(acc.ID, func(folders []types.Folder, err error) {
			if err != nil {
				log.WithError(err).Warn("Initial folder sync failed")
				return
			}
			log.WithField("folders", len(folders)).Debug("Initial folder sync completed")
		})
		emailManager.StartChangeListener(acc.ID, server.NotifyMailboxChanged)
	}
}

// forgetPasswords deletes every account's password_key entry from the keyring
func forgetPasswords(cfg *config.Config, logger *logrus.Logger) error {
	creds, err := openKeyring(cfg)
	if err != nil {
		return err
	}
	for _, accCfg := range cfg.Accounts {
		if accCfg.PasswordKey == "" {
			continue
		}
		if err := creds.Delete(accCfg.PasswordKey); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"account":      accCfg.Name,
			"password_key": accCfg.PasswordKey,
		}).Info("Password removed from keyring")
	}
	return nil
}
