package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vicap/internal/config"
	"github.com/roach88/vicap/internal/engine"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/remotelog"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/vicon"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Target    string
	LogPath   string
	Container string
	LocalLog  string
	FromStart bool
	Listen    string
	DataDir   string
	Duration  time.Duration

	// IDGenerator allows overriding the session ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <session-name>",
		Short: "Record a session until interrupted",
		Long: `Record Vicon motion frames and a followed robot log into a new session folder.

The folder <data.dir>/<UTC time>_<name> holds session_data.db, the process
log debug_session.log and the session.yaml manifest. Recording runs until
Ctrl-C, --duration elapses, or a fatal error aborts the session.

Exit codes: 0 closed cleanly, 1 aborted while recording, 2 failed to start.

Example:
  vicap record dock_test -t root@robot:22 --log-path /var/log/brain.log
  vicap record dock_test -t root@robot:22 --container brain
  vicap record bench --local-log ./brain.log --listen 127.0.0.1:51001`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "ssh target user@host:port (overrides device settings)")
	cmd.Flags().StringVar(&opts.LogPath, "log-path", "", "remote log file to follow")
	cmd.Flags().StringVar(&opts.Container, "container", "", "remote docker container to follow")
	cmd.Flags().StringVar(&opts.LocalLog, "local-log", "", "follow a file on this host instead of over ssh")
	cmd.Flags().BoolVar(&opts.FromStart, "from-start", false, "with --local-log, read existing content first")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "UDP address for the Vicon stream (default from config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "folder for sessions (default from config)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.MarkFlagsMutuallyExclusive("log-path", "container", "local-log")

	return cmd
}

// RecordSummary is the outcome printed when a session ends.
type RecordSummary struct {
	Folder string        `json:"folder"`
	Result engine.Result `json:"result"`
	Counts store.Counts  `json:"counts"`
}

func runRecord(opts *RecordOptions, name string, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := applyRecordFlags(cfg, opts); err != nil {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	src, remote, err := buildLogSource(cfg, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "no log source", err)
	}

	project, err := config.NewProject(cfg.Data.Dir, name, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create session folder", err)
	}

	debugLog, err := os.OpenFile(project.DebugLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open debug log", err)
	}
	defer debugLog.Close()
	logger := setupLogging(opts.RootOptions, cmd.ErrOrStderr(), debugLog)
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	manifest := config.Manifest{
		Session:   project.Name,
		Status:    engine.StateStarting.String(),
		StartedAt: project.Created,
		Recorder:  record.RecorderVersion,
		Config:    cfg.File,
		Files:     config.ManifestFiles{Database: config.DatabaseFile, DebugLog: config.DebugLogFile},
		Vicon:     config.ManifestVicon{Listen: cfg.Vicon.Listen},
		Remote:    remote,
	}
	writeManifest(logger, project, manifest)

	logger.Info("opening database", "path", project.DatabasePath())
	st, err := store.Open(project.DatabasePath())
	if err != nil {
		manifest.Status, manifest.Reason = string(record.StatusAborted), err.Error()
		writeManifest(logger, project, manifest)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	coordOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithBatchSize(cfg.Capture.BatchSize),
	}
	if opts.IDGenerator != nil {
		coordOpts = append(coordOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	coord := engine.New(st, coordOpts...)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	h, err := coord.Start(ctx, engine.SessionConfig{
		Name: project.Name,
		Vicon: vicon.Config{
			Addr:        cfg.Vicon.Listen,
			QueueSize:   cfg.Vicon.QueueSize,
			ReadTimeout: cfg.Vicon.ReadTimeout,
			ReadBuffer:  cfg.Vicon.ReadBuffer,
		},
		Log: src,
		Remote: remotelog.Config{
			Retry:        cfg.Remote.Retry,
			QueueSize:    cfg.Capture.LogQueueSize,
			MaxLineBytes: remotelog.DefaultMaxLineBytes,
			Rules:        cfg.Events,
		},
		RemoteHost:     remote.Host,
		LogTarget:      remote.Target,
		StartupTimeout: cfg.Capture.StartupTimeout,
	})
	if err != nil {
		manifest.Status, manifest.Reason = string(record.StatusAborted), err.Error()
		writeManifest(logger, project, manifest)
		if opts.Format == "json" {
			_ = formatter.Error(string(engine.CodeOf(err)), "session failed to start", err.Error())
		}
		return WrapExitError(ExitCommandError, "session failed to start", err)
	}

	manifest.SessionID = h.ID()
	manifest.Status = string(record.StatusRecording)
	if sess, err := st.ReadSession(ctx, h.ID()); err == nil {
		manifest.Vicon.Bound = sess.Source.ViconAddr
	}
	writeManifest(logger, project, manifest)

	fmt.Fprintf(cmd.ErrOrStderr(), "Recording session %s into %s\n", h.ID(), project.Dir)
	fmt.Fprintln(cmd.ErrOrStderr(), "Press Ctrl-C to stop.")

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
	case <-deadline:
		logger.Info("duration elapsed, stopping", "duration", opts.Duration)
	case <-h.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Capture.StopTimeout)
	defer stopCancel()
	res, err := h.Stop(stopCtx)
	if err != nil {
		// The database must stay open until the session is terminal, so give
		// it one more stop_timeout before giving up.
		logger.Error("session slow to stop", "timeout", cfg.Capture.StopTimeout, "error", err)
		select {
		case <-h.Done():
			res = h.Wait()
		case <-time.After(cfg.Capture.StopTimeout):
			return WrapExitError(ExitFailure, "session did not stop in time", err)
		}
	}

	counts, err := st.CountRecords(context.WithoutCancel(ctx), res.SessionID)
	if err != nil {
		logger.Warn("could not count records", "error", err)
	}

	ended := res.EndedAt
	manifest.Status = string(res.Status)
	manifest.Reason = res.Reason
	manifest.EndedAt = &ended
	manifest.Counts = &config.ManifestCounts{
		MotionFrames: counts.Motion,
		LogRecords:   counts.Logs,
		Dropped:      res.Stats.Motion.Dropped,
		Reconnects:   res.Stats.Log.Reconnects,
	}
	writeManifest(logger, project, manifest)

	summary := RecordSummary{Folder: project.Dir, Result: res, Counts: counts}
	if err := formatter.Print(res.SessionID, summary, func(w io.Writer) { printRecordSummary(w, summary) }); err != nil {
		return err
	}

	if res.Status != record.StatusClosed {
		return WrapExitError(ExitFailure, "session aborted", res.Err)
	}
	return nil
}

// applyRecordFlags folds command-line overrides into cfg.
func applyRecordFlags(cfg *config.Config, opts *RecordOptions) error {
	if opts.Target != "" {
		t, err := config.ParseTarget(opts.Target)
		if err != nil {
			return err
		}
		cfg.ApplyTarget(t)
	}
	if opts.LogPath != "" {
		cfg.Device.LogPath, cfg.Device.Container = opts.LogPath, ""
	}
	if opts.Container != "" {
		cfg.Device.LogPath, cfg.Device.Container = "", opts.Container
	}
	if opts.Listen != "" {
		cfg.Vicon.Listen = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.Data.Dir = opts.DataDir
	}
	return nil
}

// buildLogSource picks the followed log: a local file, a remote file, or a
// remote container.
func buildLogSource(cfg *config.Config, opts *RecordOptions) (remotelog.Source, config.ManifestRemote, error) {
	if opts.LocalLog != "" {
		src := remotelog.NewFileSource(opts.LocalLog)
		src.FromStart = opts.FromStart
		return src, config.ManifestRemote{Kind: "local", Target: opts.LocalLog}, nil
	}

	d := cfg.Device
	var kind, target, command string
	switch {
	case d.LogPath != "":
		kind, target, command = "file", d.LogPath, remotelog.FollowFileCommand(d.LogPath)
	case d.Container != "":
		kind, target, command = "docker", d.Container, remotelog.FollowContainerCommand(d.Container)
	default:
		return nil, config.ManifestRemote{}, errors.New("set --log-path, --container or --local-log (or device.log_path / device.container)")
	}
	if cfg.Remote.Command != "" {
		command = cfg.Remote.Command
	}
	if d.Host == "" || d.User == "" {
		return nil, config.ManifestRemote{}, errors.New("remote log needs device.host and device.user (or --target)")
	}
	if d.Password == "" && d.KeyFile == "" {
		return nil, config.ManifestRemote{}, errors.New("remote log needs device.password or device.key_file")
	}

	src := remotelog.NewSSHSource(remotelog.SSHConfig{
		Host:           d.Host,
		Port:           d.Port,
		User:           d.User,
		Password:       d.Password,
		KeyFile:        d.KeyFile,
		KnownHosts:     d.KnownHosts,
		Command:        command,
		ConnectTimeout: cfg.Remote.ConnectTimeout,
		Keepalive:      cfg.Remote.Keepalive,
	})
	return src, config.ManifestRemote{
		Kind:     kind,
		Host:     src.Addr(),
		User:     d.User,
		Port:     d.Port,
		Password: d.Password,
		KeyFile:  d.KeyFile,
		Target:   target,
		Command:  command,
	}, nil
}

func writeManifest(logger *slog.Logger, p *config.Project, m config.Manifest) {
	if err := config.WriteManifest(p.ManifestPath(), m); err != nil {
		logger.Warn("could not write manifest", "path", p.ManifestPath(), "error", err)
	}
}

func printRecordSummary(w io.Writer, s RecordSummary) {
	r := s.Result
	fmt.Fprintf(w, "Session %s %s\n", r.SessionID, r.Status)
	if r.Reason != "" {
		fmt.Fprintf(w, "  Reason:        %s\n", r.Reason)
	}
	fmt.Fprintf(w, "  Folder:        %s\n", s.Folder)
	fmt.Fprintf(w, "  Duration:      %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Motion frames: %d (%d objects, %d dropped)\n", s.Counts.Motion, len(s.Counts.Objects), r.Stats.Motion.Dropped)
	fmt.Fprintf(w, "  Log records:   %d (%d partial, %d reconnects)\n", s.Counts.Logs, s.Counts.Partials, r.Stats.Log.Reconnects)
}
