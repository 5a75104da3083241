package cli

// -----------------------------------------------------------------------------
// common.go – shared engine bootstrap for all CLI modules
// -----------------------------------------------------------------------------

import (
	"fmt"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"semnet/core"
)

var (
	engMu  sync.RWMutex
	eng    *core.Engine
	engCtx *core.Context
)

// engineInit lazily boots the engine from viper configuration; env vars
// override via the SEMNET_ prefix. Installed as PersistentPreRunE on every
// module's root command.
func engineInit(cmd *cobra.Command, _ []string) error {
	engMu.Lock()
	defer engMu.Unlock()
	if eng != nil {
		return nil
	}
	_ = godotenv.Load()

	if lvlStr := viper.GetString("logging.level"); lvlStr != "" {
		lv, err := logrus.ParseLevel(lvlStr)
		if err != nil {
			return err
		}
		logrus.SetLevel(lv)
	}

	cfg := core.Config{
		SnapshotInterval: viper.GetInt("engine.snapshot_interval"),
		EventQueueDepth:  viper.GetInt("engine.event_queue_depth"),
	}
	var persist core.PersistentStore
	if viper.GetBool("storage.persist") {
		fs := core.NewFileStore()
		dir := viper.GetString("storage.dir")
		if dir == "" {
			dir = "data"
		}
		if err := fs.Open(dir); err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		persist = fs
	}
	e, err := core.NewEngine(cfg, logrus.StandardLogger(), nil, persist)
	if err != nil {
		return err
	}
	ctx, err := e.CreateContext(core.AccessWrite, "cli")
	if err != nil {
		return err
	}
	eng, engCtx = e, ctx
	return nil
}

func currentCtx() (*core.Context, error) {
	engMu.RLock()
	defer engMu.RUnlock()
	if engCtx == nil {
		return nil, fmt.Errorf("engine not initialised")
	}
	return engCtx, nil
}

// parseAddr reads the fixed-width form printed by every command.
func parseAddr(s string) (core.Address, error) {
	var raw uint64
	if _, err := fmt.Sscanf(s, "%x", &raw); err != nil {
		return core.EmptyAddr, fmt.Errorf("address %q: %w", s, err)
	}
	return core.AddrFromRaw(raw), nil
}

func printAddr(a core.Address) string { return fmt.Sprintf("%016x", a.Raw()) }
