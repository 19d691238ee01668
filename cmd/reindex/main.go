// Command skyindex-reindex reconciles repositories against their hosting servers.
//
// DIDs are taken from the arguments, or one per line from stdin when none are given.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/app"
	"github.com/and161185/skyindex/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (env SKYINDEX_* overrides)")
	commit := flag.String("commit", "", "expected commit CID, only with a single DID")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	dids := flag.Args()
	if len(dids) == 0 {
		if dids, err = readDIDs(os.Stdin); err != nil {
			logger.Fatal("read dids", zap.Error(err))
		}
	}
	if *commit != "" && len(dids) != 1 {
		logger.Fatal("--commit needs exactly one did")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init pipeline", zap.Error(err))
	}

	failed := 0
	for _, did := range dids {
		if ctx.Err() != nil {
			break
		}
		if err := a.Service.IndexRepo(ctx, did, *commit); err != nil {
			logger.Error("reindex", zap.String("did", did), zap.Error(err))
			failed++
			continue
		}
		logger.Info("reindexed", zap.String("did", did))
	}

	sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Queue.ProcessAll(sctx); err != nil {
		logger.Warn("background work still pending", zap.Error(err))
	}
	if err := a.Close(sctx); err != nil {
		logger.Error("close pipeline", zap.Error(err))
	}
	logger.Info("done", zap.Int("repos", len(dids)), zap.Int("failed", failed))
	if failed > 0 {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func readDIDs(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
