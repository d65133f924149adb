package app

import (
	"fmt"
	"log"
	"sync"

	"gasless-bridge/internal/clients"
	"gasless-bridge/internal/config"
	"gasless-bridge/internal/db"
	"gasless-bridge/internal/events"
	"gasless-bridge/internal/handlers"
	"gasless-bridge/internal/services"

	"gorm.io/gorm"
)

// ServiceContainer owns every long-lived component, built once at startup
// in dependency order.
type ServiceContainer struct {
	DB *gorm.DB

	// Clients
	PriceFeed *clients.PriceFeedClient
	Ledger    clients.SourceLedger
	Publisher *events.Publisher

	// Core services
	Signer            services.Signer
	TxBuilder         *services.TxBuilder
	Chains            *services.ChainRegistry
	AuditService      *services.AuditService
	ReserveService    *services.ReserveService
	QuoteService      *services.QuoteService
	PaymentService    *services.PaymentService
	SettlementService *services.SettlementService
	BridgeService     *services.BridgeService

	// HTTP layer
	WSHub             *handlers.WSHub
	AuthHandler       *handlers.AuthHandler
	QuoteHandler      *handlers.QuoteHandler
	BridgeHandler     *handlers.BridgeHandler
	SettlementHandler *handlers.SettlementHandler
	StatusHandler     *handlers.StatusHandler
	AdminHandler      *handlers.AdminHandler
}

var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container exactly once.
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")
		cfg := config.AppConfig

		container := &ServiceContainer{DB: db.DB}

		// 1. Signer and transaction builder.
		signer, err := services.NewSigner(cfg.Signer)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize signer: %w", err)
			return
		}
		container.Signer = signer
		container.TxBuilder = services.NewTxBuilder(signer)
		log.Printf("✅ Signer ready, bridge address: %s", signer.EthereumAddress())

		// 2. Destination chain pools and estimators.
		container.Chains = services.NewChainRegistry()
		for name, chainCfg := range cfg.Chains {
			if chainCfg.Name == "" {
				chainCfg.Name = name
			}
			pool, err := clients.NewRPCPool(name, chainCfg.ChainID, chainCfg.RPCEndpoints)
			if err != nil {
				initErr = fmt.Errorf("failed to build rpc pool for %s: %w", name, err)
				return
			}
			container.Chains.Add(name, &services.ChainRuntime{
				Cfg:       chainCfg,
				RPC:       pool,
				Estimator: services.NewGasEstimator(pool, chainCfg, cfg.Bridge, cfg.QuoteValidity()),
			})
			log.Printf("✅ Chain %s (id %d) with %d endpoints", name, chainCfg.ChainID, len(chainCfg.RPCEndpoints))
		}

		// 3. External clients.
		container.PriceFeed = clients.NewPriceFeedClient(cfg.Prices)
		container.Ledger = clients.NewLedgerClient(cfg.Ledger)

		publisher, err := events.NewPublisher(cfg.NATS)
		if err != nil {
			initErr = fmt.Errorf("failed to connect NATS: %w", err)
			return
		}
		container.Publisher = publisher
		if publisher != nil {
			log.Println("✅ NATS publisher connected")
		} else {
			log.Println("NATS not configured, lifecycle events disabled")
		}

		// 4. Domain services, bottom up.
		container.AuditService = services.NewAuditService(db.DB)
		reserve, err := services.NewReserveService(db.DB, container.AuditService)
		if err != nil {
			initErr = fmt.Errorf("failed to load reserve state: %w", err)
			return
		}
		container.ReserveService = reserve

		container.QuoteService = services.NewQuoteService(db.DB, reserve, container.PriceFeed,
			container.Chains, container.AuditService, cfg)
		container.PaymentService = services.NewPaymentService(db.DB, container.Ledger,
			container.AuditService, cfg)
		container.SettlementService = services.NewSettlementService(db.DB, reserve,
			container.QuoteService, container.PaymentService, container.TxBuilder,
			container.Chains, container.AuditService, cfg)
		container.BridgeService = services.NewBridgeService(db.DB, container.QuoteService,
			container.PaymentService, container.SettlementService, reserve,
			container.PriceFeed, container.Chains, cfg)

		// 5. Transition listeners.
		container.WSHub = handlers.NewWSHub()
		container.SettlementService.AddListener(container.WSHub)
		if publisher != nil {
			container.SettlementService.AddListener(publisher)
			container.QuoteService.AddListener(publisher)
		}

		// 6. Handlers.
		logger := newLogger()
		container.AuthHandler = handlers.NewAuthHandler(logger)
		container.QuoteHandler = handlers.NewQuoteHandler(container.QuoteService, container.BridgeService)
		container.BridgeHandler = handlers.NewBridgeHandler(container.BridgeService,
			container.TxBuilder, cfg)
		container.SettlementHandler = handlers.NewSettlementHandler(container.SettlementService)
		container.StatusHandler = handlers.NewStatusHandler(reserve, container.PriceFeed)
		container.AdminHandler = handlers.NewAdminHandler(db.DB, reserve,
			container.AuditService, container.Chains)

		Container = container
		log.Println("✅ Service Container initialized")
	})

	if initErr != nil {
		return nil, initErr
	}
	return Container, nil
}

// Shutdown releases external connections.
func (c *ServiceContainer) Shutdown() {
	c.Publisher.Close()
}
