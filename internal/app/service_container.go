package app

import (
	"context"
	"fmt"
	"time"

	"echo-vault/internal/clients"
	"echo-vault/internal/config"
	"echo-vault/internal/db"
	"echo-vault/internal/handlers"
	"echo-vault/internal/interfaces"
	"echo-vault/internal/models"
	"echo-vault/internal/repository"
	"echo-vault/internal/services"

	"github.com/sirupsen/logrus"
)

// ServiceContainer wires every component of the process
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger

	// Clients
	Ledger      *clients.LedgerClient
	Signer      interfaces.TransactionSigner
	Store       interfaces.BlobStore
	NATS        *clients.NATSPublisher // nil when NATS is not configured

	// Services
	State       *models.EngineState
	Persistence *services.PersistenceService
	Events      *services.TransferEventBus
	Push        *services.WebSocketPushService
	Echo        *services.EchoService
	Status      *services.StatusService

	// Handlers
	EchoHandler      *handlers.EchoHandler
	WebSocketHandler *handlers.WebSocketHandler
	AdminAuthHandler *handlers.AdminAuthHandler

	closers []func()
}

// NewServiceContainer builds the container from cfg. Nothing is started.
func NewServiceContainer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ServiceContainer, error) {
	c := &ServiceContainer{Config: cfg, Logger: logger}

	if err := c.initClients(ctx); err != nil {
		c.Cleanup()
		return nil, err
	}
	c.initServices()
	c.initHandlers()

	logger.WithFields(logrus.Fields{
		"signer":  c.Signer.Name(),
		"storage": cfg.Storage.Driver,
		"nats":    c.NATS != nil,
	}).Info("✅ [ServiceContainer] initialized")
	return c, nil
}

func (c *ServiceContainer) initClients(ctx context.Context) error {
	ledger, err := clients.DialLedgerClient(ctx, c.Config.Ledger, c.Logger)
	if err != nil {
		return err
	}
	c.Ledger = ledger
	c.closers = append(c.closers, ledger.Close)

	signer, err := newSigner(c.Config.Signer)
	if err != nil {
		return err
	}
	c.Signer = signer

	store, closeStore, err := NewBlobStore(c.Config.Storage, c.Logger)
	if err != nil {
		return err
	}
	c.Store = store
	if closeStore != nil {
		c.closers = append(c.closers, closeStore)
	}

	if c.Config.NATS.URL != "" {
		publisher, err := clients.NewNATSPublisher(c.Config.NATS, c.Logger)
		if err != nil {
			// events are best effort, the engine runs without them
			c.Logger.WithError(err).Warn("⚠️ [ServiceContainer] NATS unavailable, events will not be published")
		} else {
			c.NATS = publisher
			c.closers = append(c.closers, publisher.Close)
		}
	}
	return nil
}

func (c *ServiceContainer) initServices() {
	c.State = models.NewEngineState(c.Config.Engine.HistoryLimit)
	c.Persistence = services.NewPersistenceService(c.Store, c.State, c.Config.Persistence, c.Logger)
	c.Push = services.NewWebSocketPushService(c.Logger)

	c.Events = services.NewTransferEventBus(c.Logger, c.Push)
	if c.NATS != nil {
		c.Events.AddSink(c.NATS)
	}

	c.Echo = services.NewEchoService(c.Ledger, c.Signer, c.Persistence, c.Events, c.Config.Engine, c.Logger)
	c.Status = services.NewStatusService(c.State, c.Echo, c.Ledger, c.Config.Engine.CallTimeout, c.Logger)
}

func (c *ServiceContainer) initHandlers() {
	c.EchoHandler = handlers.NewEchoHandler(c.Status, c.Persistence, c.Logger)
	c.WebSocketHandler = handlers.NewWebSocketHandler(c.Push, c.Logger)
	c.AdminAuthHandler = handlers.NewAdminAuthHandler(c.Config.Admin, c.Logger)
}

// WaitForLedger blocks until the RPC node is reachable and synced
func (c *ServiceContainer) WaitForLedger(ctx context.Context) error {
	return c.Ledger.WaitReady(ctx, time.Duration(c.Config.Ledger.WaitTimeout)*time.Second)
}

// Cleanup releases connections in reverse order of creation
func (c *ServiceContainer) Cleanup() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// newSigner signing strategy selection
func newSigner(cfg config.SignerConfig) (interfaces.TransactionSigner, error) {
	switch cfg.Mode {
	case "remote":
		return clients.NewSignerClient(cfg), nil
	case "privateKey":
		return clients.NewPrivateKeySigner(cfg.PrivateKey)
	default:
		return nil, fmt.Errorf("unknown signer mode %q", cfg.Mode)
	}
}

// NewBlobStore durable store selection, the returned closer may be nil
func NewBlobStore(cfg config.StorageConfig, logger *logrus.Logger) (interfaces.BlobStore, func(), error) {
	switch cfg.Driver {
	case "odyn":
		return clients.NewStorageClient(cfg), nil, nil
	case "postgres":
		gdb, err := db.InitDB(cfg.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if sqlDB, err := gdb.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return repository.NewBlobRepository(gdb), closer, nil
	case "leveldb":
		store, err := repository.NewLevelDBBlobStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "memory":
		logger.Warn("⚠️ [ServiceContainer] memory storage selected, state is lost on restart")
		return repository.NewMemoryBlobStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
