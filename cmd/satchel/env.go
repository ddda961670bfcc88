package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/satchel-sync/satchel/internal/config"
	"github.com/satchel-sync/satchel/internal/engine"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/remote"
	"github.com/satchel-sync/satchel/internal/store"
)

// env bundles the opened subsystems a command works against.
type env struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Queue
	engine *engine.Engine
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// readPassphrase fetches the encryption passphrase from SATCHEL_PASSPHRASE
// or prompts for it when stdin is a terminal.
func readPassphrase() (string, error) {
	if p := os.Getenv("SATCHEL_PASSPHRASE"); p != "" {
		return p, nil
	}

	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("encryption enabled but SATCHEL_PASSPHRASE is not set")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("passphrase cannot be empty")
	}
	return string(raw), nil
}

// openEnv opens the store, queue, remote client, and engine per the
// loaded configuration. quiet routes subsystem logs to io.Discard, for
// commands whose stdout is the product.
func openEnv(quiet bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var logger *log.Logger
	if quiet {
		logger = log.New(io.Discard, "", 0)
	}

	storeOpts := store.Options{Logger: logger}
	if cfg.Encryption.Enabled {
		passphrase, err := readPassphrase()
		if err != nil {
			return nil, err
		}
		storeOpts.Passphrase = passphrase
	}

	st, err := store.Open(cfg.DatabasePath(), storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	q, err := queue.New(st.RawDB(), queue.Options{
		DefaultMaxRetries: cfg.Sync.MaxRetries,
		Logger:            logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	rc, err := newRemoteClient(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	e, err := engine.New(st, q, rc, engine.Options{
		SyncInterval:         cfg.Sync.Interval,
		Retention:            cfg.Sync.Retention,
		SensitiveCollections: cfg.Encryption.SensitiveCollections,
		Logger:               logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &env{cfg: cfg, store: st, queue: q, engine: e}, nil
}

// newRemoteClient builds the HTTP client, minting and persisting a device
// id on first run so the server sees a stable identity.
func newRemoteClient(cfg *config.Config, st *store.Store) (remote.Client, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("remote.base_url is not configured")
	}

	deviceID := cfg.Remote.DeviceID
	if deviceID == "" {
		stored, err := st.GetMetadata("device_id")
		switch {
		case err == nil:
			deviceID = stored
		case errors.Is(err, store.ErrNotFound):
			deviceID = uuid.NewString()
			if err := st.SetMetadata("device_id", deviceID); err != nil {
				return nil, fmt.Errorf("failed to persist device id: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to read device id: %w", err)
		}
	}

	return remote.NewHTTPClient(cfg.Remote.BaseURL, remote.Options{
		Timeout:  cfg.Remote.Timeout,
		DeviceID: deviceID,
	})
}
