package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/krpothula/cryoprocess-sub001/internal/broadcast"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// newSessionCmd creates the 'session' command group.
func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session operations (create, start, pause, resume, stop, status, follow)",
		Long:  `Commands for managing watch-and-process sessions.`,
	}

	sessionCmd.AddCommand(newSessionCreateCmd())
	sessionCmd.AddCommand(newSessionStartCmd())
	sessionCmd.AddCommand(newSessionPauseCmd())
	sessionCmd.AddCommand(newSessionResumeCmd())
	sessionCmd.AddCommand(newSessionStopCmd())
	sessionCmd.AddCommand(newSessionStatusCmd())
	sessionCmd.AddCommand(newSessionFollowCmd())

	return sessionCmd
}

// newSessionCreateCmd creates the 'session create' command.
func newSessionCreateCmd() *cobra.Command {
	var (
		project      string
		name         string
		dir          string
		pattern      string
		mode         string
		pixelSize    float64
		voltage      float64
		cs           float64
		ampContrast  float64
		binning      float64
		pick         bool
		boxSize      int
		rescaledSize int
		class2d      bool
		threshold    int
		classCount   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session",
		Long: `Create a session in pending state. Optics parameters are fixed at
creation and cannot change afterwards.

Example:
  # Watch mode with picking and threshold-triggered 2D classification
  cryoprocess session create --project krios1 --name grid3 \
      --dir /data/grid3/movies --pixel-size 1.07 --voltage 300 \
      --pick --box-size 256 --rescaled-size 128 \
      --class2d --class2d-threshold 10000 --class2d-classes 50

  # One-shot processing of already collected data
  cryoprocess session create --project krios1 --name grid3-redo \
      --dir /data/grid3/movies --pixel-size 1.07 --mode existing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			sess := &models.Session{
				ProjectID:      project,
				Name:           name,
				InputMode:      models.InputMode(mode),
				WatchDirectory: dir,
				FilePattern:    pattern,
				Optics: models.OpticsParams{
					PixelSize:           pixelSize,
					Voltage:             voltage,
					SphericalAberration: cs,
					AmplitudeContrast:   ampContrast,
				},
				Processing: models.ProcessingParams{
					Binning:        binning,
					PickingEnabled: pick,
					BoxSize:        boxSize,
					RescaledSize:   rescaledSize,
				},
				Class2D: models.Class2DConfig{
					Enabled:           class2d,
					ParticleThreshold: threshold,
					ClassCount:        classCount,
				},
			}
			if err := c.mgr.Create(GetContext(), sess); err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			fmt.Printf("Created session %s (%s)\n", sess.ID, sess.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Owning project id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Session name (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to watch for movies (required)")
	cmd.Flags().StringVar(&pattern, "pattern", "*.tiff", "Movie filename glob")
	cmd.Flags().StringVar(&mode, "mode", "watch", "Input mode: watch or existing")
	cmd.Flags().Float64Var(&pixelSize, "pixel-size", 0, "Detector pixel size in Å (required)")
	cmd.Flags().Float64Var(&voltage, "voltage", 300, "Acceleration voltage in kV")
	cmd.Flags().Float64Var(&cs, "cs", 2.7, "Spherical aberration in mm")
	cmd.Flags().Float64Var(&ampContrast, "amp-contrast", 0.1, "Amplitude contrast")
	cmd.Flags().Float64Var(&binning, "binning", 1, "Motion correction binning factor")
	cmd.Flags().BoolVar(&pick, "pick", false, "Enable particle picking and extraction")
	cmd.Flags().IntVar(&boxSize, "box-size", 256, "Extraction box size in pixels")
	cmd.Flags().IntVar(&rescaledSize, "rescaled-size", 0, "Rescale extracted particles to this box (0 = off)")
	cmd.Flags().BoolVar(&class2d, "class2d", false, "Enable threshold-triggered 2D classification")
	cmd.Flags().IntVar(&threshold, "class2d-threshold", 10000, "Particles accumulated between 2D classification runs")
	cmd.Flags().IntVar(&classCount, "class2d-classes", 50, "Number of 2D classes")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("pixel-size")

	return cmd
}

// newSessionStartCmd creates the 'session start' command.
func newSessionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a session and run it in the foreground",
		Long: `Start (or resume) a session and drive it until it reaches a terminal
status or the process is interrupted. An interrupted session is
reloaded as paused on the next run, never re-submitted blindly.

Example:
  cryoprocess session start 01JF8...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := GetContext()
			snap, err := c.mgr.Get(ctx, args[0])
			if err != nil {
				return err
			}
			events, unsubscribe := c.bcast.Subscribe(snap.ProjectID, 64)
			defer unsubscribe()

			status, err := c.mgr.Start(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			log.Info().Str("session", args[0]).Str("status", string(status)).Msg("Session started")

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Interrupted, shutting down")
					return nil
				case ev := <-events:
					if ev.SessionID != args[0] {
						continue
					}
					entry := log.Info()
					if ev.Level == broadcast.LevelError {
						entry = log.Error()
					}
					entry.Str("type", string(ev.Type)).
						Str("stage", string(ev.Stage)).
						Str("status", ev.Status).
						Msg(ev.Message)
					continue
				case <-ticker.C:
				}
				snap, err := c.mgr.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if snap.Status.Terminal() {
					fmt.Printf("Session %s is %s after %d passes\n", snap.Name, snap.Status, snap.State.PassCount)
					return nil
				}
			}
		},
	}
	return cmd
}

func newSessionPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Suspend new-pass triggering (in-flight jobs continue)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.mgr.Pause(GetContext(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", args[0], status)
			return nil
		},
	}
}

func newSessionResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.mgr.Resume(GetContext(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", args[0], status)
			return nil
		},
	}
}

func newSessionStopCmd() *cobra.Command {
	var cancelInFlight bool

	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session permanently",
		Long: `Stop a session. This is terminal; a stopped session cannot restart.

Example:
  # Let the in-flight job finish
  cryoprocess session stop 01JF8...

  # Cancel the in-flight job through the scheduler
  cryoprocess session stop 01JF8... --cancel`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.mgr.Stop(GetContext(), args[0], cancelInFlight)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", args[0], status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cancelInFlight, "cancel", false, "Cancel the in-flight job instead of letting it finish")
	return cmd
}

// newSessionStatusCmd creates the 'session status' command.
func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session snapshot with pass history and stage jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := GetContext()
			snap, err := c.mgr.Get(ctx, args[0])
			if err != nil {
				return err
			}
			stats, err := c.mgr.GetStats(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session:  %s (%s)\n", snap.Name, snap.ID)
			fmt.Printf("Project:  %s\n", snap.ProjectID)
			fmt.Printf("Status:   %s\n", snap.Status)
			fmt.Printf("Mode:     %s  (%s, %s)\n", snap.InputMode, snap.WatchDirectory, snap.FilePattern)
			fmt.Printf("Passes:   %d\n", snap.State.PassCount)
			if snap.State.Error != "" {
				fmt.Printf("Error:    %s\n", snap.State.Error)
			}

			if len(stats) > 0 {
				fmt.Println("\nStage jobs:")
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  STAGE\tJOB\tSTATUS\tDURATION\tMICROGRAPHS\tPARTICLES")
				for _, stage := range models.StageOrder {
					s, ok := stats[stage.Key()]
					if !ok {
						continue
					}
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%d\n",
						stage, s.Name, s.Status, s.Duration.Round(time.Second),
						s.Stats.MicrographCount, s.Stats.ParticleCount)
				}
				w.Flush()
			}

			if len(snap.PassHistory) > 0 {
				fmt.Println("\nPass history:")
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  PASS\tIMPORTED\tMOTION\tCTF\tPICKED\tPARTICLES\tCLASSES\tCOMPLETED")
				history := append([]models.Pass(nil), snap.PassHistory...)
				sort.Slice(history, func(i, j int) bool { return history[i].Number < history[j].Number })
				for _, p := range history {
					fmt.Fprintf(w, "  %d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
						p.Number, p.Counts.MoviesImported, p.Counts.MoviesMotion,
						p.Counts.MoviesCtf, p.Counts.MoviesPicked,
						p.Counts.ParticlesExtracted, p.Counts.Classes2D,
						p.CompletedAt.Format(time.RFC3339))
				}
				w.Flush()
			}
			return nil
		},
	}
}

// newSessionFollowCmd creates the 'session follow' command.
func newSessionFollowCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "follow <session-id>",
		Short: "Follow live session progress",
		Long: `Render live pass progress for a session until it reaches a terminal
status or the command is interrupted.

Example:
  cryoprocess session follow 01JF8... --interval 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore()
			if err != nil {
				return err
			}
			defer c.Close()

			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("waiting for session activity"),
				progressbar.OptionSpinnerType(14),
				progressbar.OptionSetWriter(os.Stderr),
			)

			ctx := GetContext()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					fmt.Fprintln(os.Stderr)
					return nil
				case <-ticker.C:
				}

				snap, err := c.mgr.Get(ctx, args[0])
				if err != nil {
					return err
				}
				counts := snap.State.Counts
				desc := fmt.Sprintf("[%s] pass %d | movies %d/%d/%d | particles %d",
					snap.Status, snap.State.PassCount,
					counts.MoviesImported, counts.MoviesMotion, counts.MoviesCtf,
					counts.ParticlesExtracted)
				if snap.State.CurrentStage != "" {
					desc += fmt.Sprintf(" | running %s", snap.State.CurrentStage)
				}
				bar.Describe(desc)
				_ = bar.Add(1)

				if snap.Status.Terminal() {
					fmt.Fprintf(os.Stderr, "\nSession %s is %s\n", snap.Name, snap.Status)
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval")
	return cmd
}
