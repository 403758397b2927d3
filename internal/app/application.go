package app

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-network/spendledger/internal/app/services/cashback"
	"github.com/custodia-network/spendledger/internal/app/services/guard"
	"github.com/custodia-network/spendledger/internal/app/services/safes"
	"github.com/custodia-network/spendledger/internal/app/services/spending"
	"github.com/custodia-network/spendledger/internal/app/services/withdrawals"
	"github.com/custodia-network/spendledger/internal/app/storage"
	"github.com/custodia-network/spendledger/internal/app/storage/memory"
	"github.com/custodia-network/spendledger/internal/app/system"
	"github.com/custodia-network/spendledger/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Safes    storage.SafeStore
	Journal  storage.TransactionStore
	Cashback storage.CashbackStore
}

// Collaborators are the external capabilities the engine consumes. Nil
// entries fall back to conservative local defaults: an always-healthy credit
// engine that cannot borrow, a router that settles to the sponsor tag
// itself, open membership, and a payout that always defers.
type Collaborators struct {
	Credit     spending.CreditEngine
	Router     spending.SettlementRouter
	Membership spending.MembershipProvider
	Payout     cashback.Payout
	Verifier   safes.AuthorizationVerifier
}

// Config carries the engine's delay and rate parameters.
type Config struct {
	ModeDelay             time.Duration
	WithdrawalDelay       time.Duration
	LimitUpdateDelay      time.Duration
	ReferrerRateBps       int64
	CreditEnginePrincipal string
	CashbackRetryInterval time.Duration
}

// Application ties the ledger services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Safes    *safes.Service
	Spending *spending.Service
	Cashback *cashback.Distributor
}

// New builds a fully initialised application with the provided stores and
// collaborators.
func New(stores Stores, collab Collaborators, cfg Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Safes == nil {
		stores.Safes = mem
	}
	if stores.Journal == nil {
		stores.Journal = mem
	}
	if stores.Cashback == nil {
		stores.Cashback = mem
	}

	if collab.Credit == nil {
		log.Warn("credit engine not configured; credit-mode spends will fail")
		collab.Credit = noopCreditEngine{}
	}
	if collab.Router == nil {
		collab.Router = identityRouter{}
	}
	if collab.Payout == nil {
		log.Warn("cashback payout not configured; all cashback will defer")
		collab.Payout = decliningPayout{}
	}
	if collab.Verifier == nil {
		log.Warn("authorization verifier not configured; admin operations will fail")
	}

	g := guard.New()
	manager := system.NewManager()

	distributor := cashback.New(stores.Cashback, collab.Payout, log)
	distributor.ReferrerRateBps = cfg.ReferrerRateBps

	withdrawalEngine := withdrawals.NewEngine(cfg.WithdrawalDelay, log)

	safeService := safes.New(stores.Safes, stores.Journal, collab.Verifier, g, safes.Config{
		ModeDelay:        cfg.ModeDelay,
		LimitUpdateDelay: cfg.LimitUpdateDelay,
	}, log)

	spendService := spending.New(stores.Safes, stores.Journal, withdrawalEngine, distributor,
		collab.Credit, collab.Router, collab.Membership, g,
		spending.Config{CreditEnginePrincipal: cfg.CreditEnginePrincipal}, log)

	poller := cashback.NewRetryPoller(stores.Cashback, distributor, cfg.CashbackRetryInterval, log)
	if err := manager.Register(poller); err != nil {
		return nil, fmt.Errorf("register %s: %w", poller.Name(), err)
	}

	return &Application{
		manager:  manager,
		log:      log,
		Safes:    safeService,
		Spending: spendService,
		Cashback: distributor,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Local fallbacks for absent collaborators.

type noopCreditEngine struct{}

func (noopCreditEngine) Borrow(context.Context, string, string, string, int64) error {
	return fmt.Errorf("credit engine not configured")
}
func (noopCreditEngine) Repay(context.Context, string, string, int64) error {
	return fmt.Errorf("credit engine not configured")
}
func (noopCreditEngine) EnsureHealth(context.Context, string) error { return nil }
func (noopCreditEngine) ConvertUSDToToken(_ context.Context, _ string, usd int64) (int64, error) {
	return usd, nil
}

type identityRouter struct{}

func (identityRouter) Destination(sponsor string) (string, error) {
	if sponsor == "" {
		return "", fmt.Errorf("unknown sponsor")
	}
	return sponsor, nil
}

type decliningPayout struct{}

func (decliningPayout) Pay(context.Context, string, string, int64) (int64, bool, error) {
	return 0, false, nil
}
