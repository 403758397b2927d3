// Package app composes the spend ledger's services into a running
// application. It is a wiring layer, not a business-logic layer: the limit,
// mode, withdrawal, and cashback rules live in internal/app/domain and
// internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models and pure state transitions
//	│   ├── safe/           # Ledger record, spending limits, mode machine
//	│   └── cashback/       # Tier rates, splits, pending balances
//	├── services/           # Business logic
//	│   ├── safes/          # Onboarding and administrative configuration
//	│   ├── spending/       # Spend orchestrator (core transactional path)
//	│   ├── withdrawals/    # Delayed-withdrawal engine
//	│   ├── cashback/       # Distributor and retry poller
//	│   └── guard/          # Per-account serialization and reentrancy guard
//	├── storage/            # Store interfaces
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── httpapi/            # REST handlers over the application
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/spendledgerd → internal/app → services → domain
//
// External collaborators (credit engine, settlement router, payout,
// authorization verifier) are injected at construction time through the
// Collaborators struct; the engine never reaches out to ambient globals.
package app
