package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/quarry-storage/quarry/pkg/chain"
	"github.com/quarry-storage/quarry/pkg/config"
	"github.com/quarry-storage/quarry/pkg/deal"
	"github.com/quarry-storage/quarry/pkg/gateway"
	"github.com/quarry-storage/quarry/pkg/market"
	"github.com/quarry-storage/quarry/pkg/model"
	"github.com/quarry-storage/quarry/pkg/repair"
	"github.com/quarry-storage/quarry/pkg/seal"
	"github.com/quarry-storage/quarry/pkg/store"
)

// node assembles the full stack for one CLI invocation. Manifests,
// shards, deal snapshots and audit logs persist under the data dir;
// ledger balances are seeded per run, standing in for the external
// settlement chain.
type node struct {
	cfg      config.Config
	records  *store.Store
	shards   *store.ShardStore
	bank     *chain.Bank
	registry *market.Registry
	clock    *deal.ManualClock
	ledger   *deal.Ledger
	seals    *seal.Engine
	repairs  *repair.Coordinator
	gateway  *gateway.Gateway
}

func newNode() (*node, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	records, err := store.Open(filepath.Join(cfg.DataDir, "quarry.db"))
	if err != nil {
		return nil, err
	}
	shards := store.NewShardStore(afero.NewOsFs(), cfg.DataDir)

	bank := chain.NewBank()
	registry := market.NewRegistry(bank, "pool")
	clock := deal.NewManualClock(0)
	repairs := repair.NewCoordinator(bank, records, shards)

	// A defaulted deal triggers a repair check: if shards went missing,
	// the slash pool funds a bounty so another provider can restore the
	// replica.
	onDefault := func(d model.Deal) {
		lost, err := repairs.DetectLoss(d.Root)
		if err != nil || len(lost) == 0 {
			return
		}
		task, err := repairs.CreateRepairTask("pool", d.Root, lost, cfg.DefaultSlash)
		if err != nil {
			rootCmd.PrintErrln("posting repair bounty:", err)
			return
		}
		if err := records.PutRepairTask(task); err != nil {
			rootCmd.PrintErrln("persisting repair task:", err)
		}
	}
	ledger := deal.NewLedger(bank, registry, clock, cfg.MissThreshold, cfg.DefaultSlash,
		deal.WithDefaultHandler(onDefault))
	seals := seal.NewEngine(registry, cfg.ResponseWindow, cfg.DefaultSlash)

	return &node{
		cfg:      cfg,
		records:  records,
		shards:   shards,
		bank:     bank,
		registry: registry,
		clock:    clock,
		ledger:   ledger,
		seals:    seals,
		repairs:  repairs,
		gateway:  gateway.New(records, shards, ledger),
	}, nil
}

func (n *node) close() {
	if err := n.records.Close(); err != nil {
		rootCmd.PrintErrln("closing store:", err)
	}
}
