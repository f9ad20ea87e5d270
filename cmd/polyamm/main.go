// Command polyamm runs the prediction market engine. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the application in the configured mode.
//
// Usage:
//
//	polyamm [-config polyamm.toml]
//	polyamm seal-secret -out jwt.sealed       (secret on stdin, password in POLYAMM_AUTH_JWT_SECRET_PASSWORD)
//	polyamm issue-token -sub alice [-role admin] [-ttl 24h]
//	polyamm archive-ls [-month 2026-03]
//	polyamm archive-show -path archive/markets/2026-03/<id>.jsonl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alanyoungcy/polyamm/internal/app"
	s3blob "github.com/alanyoungcy/polyamm/internal/blob/s3"
	"github.com/alanyoungcy/polyamm/internal/config"
	"github.com/alanyoungcy/polyamm/internal/crypto"
)

const defaultConfigPath = "polyamm.toml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "seal-secret":
			exitOn(sealSecret(os.Args[2:]))
			return
		case "issue-token":
			exitOn(issueToken(os.Args[2:]))
			return
		case "archive-ls":
			exitOn(archiveList(os.Args[2:]))
			return
		case "archive-show":
			exitOn(archiveShow(os.Args[2:]))
			return
		}
	}
	serve()
}

func serve() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polyamm starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("polyamm stopped")
}

// loadConfig reads path, treating a missing default file as "defaults and
// environment only".
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sealSecret encrypts a JWT signing secret read from stdin.
func sealSecret(args []string) error {
	fset := flag.NewFlagSet("seal-secret", flag.ExitOnError)
	out := fset.String("out", "jwt.sealed", "file to write the sealed secret to")
	_ = fset.Parse(args)

	password := os.Getenv("POLYAMM_AUTH_JWT_SECRET_PASSWORD")
	if password == "" {
		return errors.New("set POLYAMM_AUTH_JWT_SECRET_PASSWORD")
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	sealed, err := crypto.SealSecret([]byte(strings.TrimSpace(string(raw))), password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *out)
	return nil
}

// issueToken prints a bearer token signed with the configured secret.
func issueToken(args []string) error {
	fset := flag.NewFlagSet("issue-token", flag.ExitOnError)
	configPath := fset.String("config", defaultConfigPath, "path to configuration file")
	sub := fset.String("sub", "", "token subject (the actor)")
	role := fset.String("role", "trader", "trader or admin")
	ttl := fset.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fset.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tok, err := app.IssueToken(cfg.Auth, *sub, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// archiveList prints the market archives stored in S3.
func archiveList(args []string) error {
	fset := flag.NewFlagSet("archive-ls", flag.ExitOnError)
	configPath := fset.String("config", defaultConfigPath, "path to configuration file")
	month := fset.String("month", "", "resolution month, YYYY-MM (default all)")
	_ = fset.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	reader, err := app.OpenArchive(ctx, cfg.S3)
	if err != nil {
		return err
	}
	infos, err := s3blob.ListArchives(ctx, reader, *month)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tMODIFIED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Path, info.Size, info.LastModified.Format(time.RFC3339))
	}
	return tw.Flush()
}

// archiveShow summarises one market archive.
func archiveShow(args []string) error {
	fset := flag.NewFlagSet("archive-show", flag.ExitOnError)
	configPath := fset.String("config", defaultConfigPath, "path to configuration file")
	path := fset.String("path", "", "archive object path")
	_ = fset.Parse(args)
	if *path == "" {
		return errors.New("-path is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	reader, err := app.OpenArchive(ctx, cfg.S3)
	if err != nil {
		return err
	}
	records, err := s3blob.ReadArchive(ctx, reader, *path)
	if err != nil {
		return err
	}

	m := records[0].Market
	outcome := "-"
	if m.ResolvedOutcome != nil {
		outcome = string(*m.ResolvedOutcome)
	}
	fmt.Printf("market   %s\nquestion %s\nstatus   %s (outcome %s)\nvolume   %s\ntrades   %d\n",
		m.ID, m.Question, m.Status, outcome, m.VolumeTotal, len(records)-1)

	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tOUTCOME\tUSD\tSHARES")
	for _, rec := range records[1:] {
		if rec.Trade == nil {
			continue
		}
		tr := rec.Trade
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			tr.Timestamp.Format(time.RFC3339), tr.Actor, tr.Outcome, tr.USDAmount, tr.SharesReceived)
	}
	return tw.Flush()
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
