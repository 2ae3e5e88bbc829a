package cli

import (
	"github.com/spf13/cobra"

	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// newServeCmd creates the 'serve' command.
func newServeCmd() *cobra.Command {
	var resumeAll bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator as a long-lived service",
		Long: `Run the orchestrator until interrupted.

Persisted sessions are reloaded at startup. Sessions that were running
when the previous process ended come back paused; pass --resume-all to
resume them immediately instead of per-session 'session resume' calls.

Example:
  cryoprocess serve --resume-all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := GetContext()
			if err := c.mgr.Restore(ctx); err != nil {
				return err
			}

			if resumeAll {
				sessions, err := c.store.ListSessions(ctx, models.SessionPaused)
				if err != nil {
					return err
				}
				for _, sess := range sessions {
					if _, err := c.mgr.Resume(ctx, sess.ID); err != nil {
						log.Warn().Str("session", sess.ID).Err(err).Msg("Resume failed")
					}
				}
			}

			log.Info().Str("store", c.cfg.StorePath).Msg("Orchestrator running, press Ctrl-C to stop")
			<-ctx.Done()
			log.Info().Msg("Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&resumeAll, "resume-all", false, "Resume every paused session at startup")
	return cmd
}
