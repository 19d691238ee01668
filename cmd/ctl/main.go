// Command skyindex-ctl inspects and administers a running index.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/and161185/skyindex/internal/app"
	"github.com/and161185/skyindex/internal/config"
	"github.com/and161185/skyindex/internal/model"
	grpcserver "github.com/and161185/skyindex/internal/server/grpc"
)

// ---- transport ----

func loadTLS(caPath string, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return insecure.NewCredentials(), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

func checkHealth(ctx context.Context, addr, caPath string, plaintext bool, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	creds, err := loadTLS(caPath, plaintext)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer cc.Close()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseMute(args []string) (model.MuteOperation, error) {
	fs := flag.NewFlagSet("mute", flag.ContinueOnError)
	typ := fs.String("type", string(model.MuteAdd), "add, remove or clear")
	actor := fs.String("actor", "", "muting actor DID")
	subject := fs.String("subject", "", "muted DID or thread root uri")
	if err := fs.Parse(args); err != nil {
		return model.MuteOperation{}, err
	}
	if *actor == "" {
		return model.MuteOperation{}, errors.New("need -actor")
	}
	op := model.MuteOperation{Type: model.MuteOpType(*typ), ActorDID: *actor, Subject: *subject}
	switch op.Type {
	case model.MuteAdd, model.MuteRemove:
		if op.Subject == "" {
			return model.MuteOperation{}, errors.New("need -subject")
		}
	case model.MuteClear:
	default:
		return model.MuteOperation{}, fmt.Errorf("unknown mute type %q", *typ)
	}
	return op, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `skyindex-ctl
Usage:
  skyindex-ctl [-config file] <cmd> [args]

Commands:
  version
  health   -addr HOST:PORT [-cacert file | -plaintext]
  cursor   [-service name]
  handle   -did <did>                             (forces re-resolution)
  status   -did <did> [-status takendown|suspended|deactivated]  (no status: active)
  mute     -actor <did> -type add|remove|clear [-subject <did|uri>]
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (env SKYINDEX_* overrides)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("skyindex-ctl %s (%s)\n", version, buildDate)

	case "health":
		fs := flag.NewFlagSet("health", flag.ExitOnError)
		addr := fs.String("addr", "localhost:8081", "health server addr")
		caPath := fs.String("cacert", "", "CA cert (PEM)")
		plaintext := fs.Bool("plaintext", true, "connect without TLS")
		_ = fs.Parse(args)
		st, err := checkHealth(ctx, *addr, *caPath, *plaintext, grpcserver.IndexerService)
		if err != nil {
			fail(err)
		}
		fmt.Println(st.String())
		if st != healthpb.HealthCheckResponse_SERVING {
			os.Exit(1)
		}

	case "cursor":
		fs := flag.NewFlagSet("cursor", flag.ExitOnError)
		service := fs.String("service", "", "subscription service (default from config)")
		_ = fs.Parse(args)
		a, cfg := open(ctx, *cfgPath)
		defer closeApp(a)
		if *service == "" {
			*service = cfg.Subscription.Service
		}
		cur, err := a.Cursors.GetCursor(ctx, *service)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"service": *service, "cursor": cur})

	case "handle":
		fs := flag.NewFlagSet("handle", flag.ExitOnError)
		did := fs.String("did", "", "actor DID")
		_ = fs.Parse(args)
		if *did == "" {
			fmt.Fprintln(os.Stderr, "need -did")
			os.Exit(1)
		}
		a, _ := open(ctx, *cfgPath)
		defer closeApp(a)
		if err := a.Service.IndexHandle(ctx, *did, time.Now().UTC(), true); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		did := fs.String("did", "", "actor DID")
		st := fs.String("status", "", "upstream status; empty marks the actor active")
		_ = fs.Parse(args)
		if *did == "" {
			fmt.Fprintln(os.Stderr, "need -did")
			os.Exit(1)
		}
		a, _ := open(ctx, *cfgPath)
		defer closeApp(a)
		if err := a.Service.UpdateActorStatus(ctx, *did, *st == "", *st); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "mute":
		op, err := parseMute(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		a, _ := open(ctx, *cfgPath)
		defer closeApp(a)
		if err := a.Service.ApplyMuteOperation(ctx, op); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

func open(ctx context.Context, path string) (*app.App, config.Config) {
	cfg, err := config.Load(path)
	if err != nil {
		fail(err)
	}
	cfg.MigrateOnStart = false
	a, err := app.New(ctx, cfg, zap.NewNop())
	if err != nil {
		fail(err)
	}
	return a, cfg
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
