package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vicap/internal/config"
	"github.com/roach88/vicap/internal/store"
)

// ListOptions holds flags for the ls command.
type ListOptions struct {
	*RootOptions
	DataDir string
}

// SessionListing is one session in ls output.
type SessionListing struct {
	Folder    string     `json:"folder"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Motion    int64      `json:"motion_frames"`
	Logs      int64      `json:"log_records"`
}

// NewListCommand creates the ls command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List recorded sessions",
		Long: `List the session folders under data.dir with status and record counts.

Examples:
  vicap ls
  vicap ls --data-dir /srv/sessions --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "folder holding sessions (default from config)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	dataDir := opts.DataDir
	if dataDir == "" {
		cfg, err := config.Load(opts.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		dataDir = cfg.Data.Dir
	}

	projects, err := config.FindProjects(dataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}

	ctx := context.Background()
	listings := []SessionListing{}
	for _, p := range projects {
		rows, err := listProject(ctx, p)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", p.Dir), err)
		}
		listings = append(listings, rows...)
	}

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return formatter.Print("", listings, func(w io.Writer) {
		printListings(w, dataDir, listings)
	})
}

func listProject(ctx context.Context, p *config.Project) ([]SessionListing, error) {
	st, err := store.Open(p.DatabasePath())
	if err != nil {
		return nil, err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SessionListing, 0, len(sessions))
	for _, s := range sessions {
		counts, err := st.CountRecords(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, SessionListing{
			Folder:    filepath.Base(p.Dir),
			ID:        s.ID,
			Name:      s.Name,
			Status:    string(s.Status),
			Reason:    s.Reason,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
			Motion:    counts.Motion,
			Logs:      counts.Logs,
		})
	}
	return out, nil
}

func printListings(w io.Writer, dataDir string, listings []SessionListing) {
	if len(listings) == 0 {
		fmt.Fprintf(w, "No sessions in %s\n", dataDir)
		return
	}
	for _, l := range listings {
		duration := "-"
		if l.EndedAt != nil {
			duration = l.EndedAt.Sub(l.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-40s %-9s %8s %8d frames %6d lines\n",
			l.Folder, l.Status, duration, l.Motion, l.Logs)
	}
}
