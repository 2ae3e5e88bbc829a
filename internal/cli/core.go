package cli

import (
	"fmt"

	"github.com/krpothula/cryoprocess-sub001/internal/broadcast"
	"github.com/krpothula/cryoprocess-sub001/internal/chain"
	"github.com/krpothula/cryoprocess-sub001/internal/config"
	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/metadata"
	"github.com/krpothula/cryoprocess-sub001/internal/pixelsize"
	"github.com/krpothula/cryoprocess-sub001/internal/scheduler"
	"github.com/krpothula/cryoprocess-sub001/internal/session"
	"github.com/krpothula/cryoprocess-sub001/internal/store"
)

// core is the wired orchestration stack shared by the serve and session
// commands.
type core struct {
	cfg   *config.Config
	store *store.Store
	mgr   *session.Manager
	bcast *broadcast.Broadcaster
}

// openCore loads configuration and constructs the full pipeline stack.
func openCore() (*core, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log := GetLogger()
	logging.SetGlobalLevel(cfg.LogLevel)
	if verbose {
		logging.SetGlobalLevel("debug")
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cache, err := metadata.NewCache(log)
	if err != nil {
		st.Close()
		return nil, err
	}

	var backend scheduler.Backend
	switch cfg.SchedulerBackend {
	case "queued":
		backend = scheduler.NewQueueBackend(cfg.QueueSubmitCmd, cfg.QueueStatusCmd, cfg.QueueCancelCmd, log)
	default:
		backend = scheduler.NewDirectBackend(log)
	}
	runner := scheduler.NewAdapter(backend, st, cfg.QueuePollInterval, cfg.CancelMaxWait, cfg.ErrorMessageLimit, log)

	bcast := broadcast.New(log)
	var sinks []broadcast.Sink
	for _, url := range cfg.WebhookURLs {
		sinks = append(sinks, broadcast.NewWebhookSink(url))
	}
	notifier := broadcast.NewNotifier(log, sinks...)

	builder := chain.NewBuilder(st, pixelsize.New(st, log), cfg.ProjectRoot, cfg.MaxNameRetries, log)
	meta := session.NewStarExtractor(cache, cfg.MetadataVersion, cfg.MetadataSampleLimit)
	mgr := session.NewManager(st, runner, builder, bcast, notifier, meta, cfg, log)

	return &core{cfg: cfg, store: st, mgr: mgr, bcast: bcast}, nil
}

// Close drains supervisors and releases the store.
func (c *core) Close() {
	if err := c.mgr.Close(); err != nil {
		GetLogger().Warn().Err(err).Msg("Manager shutdown reported errors")
	}
	if err := c.store.Close(); err != nil {
		GetLogger().Warn().Err(err).Msg("Store close failed")
	}
}
