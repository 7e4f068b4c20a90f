package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auxite/internal/app"
	"auxite/internal/config"
	"auxite/internal/logging"

	"github.com/joho/godotenv"
)

const usage = `usage: auxite [flags] <command> [args]

commands:
  balance [-refresh]                 show merged balances
  check SYMBOL AMOUNT                check whether a balance covers AMOUNT
  quote buy|sell METAL GRAMS         request a quote and follow its countdown
  trade buy|sell METAL GRAMS         request a quote and execute it
  withdraw -coin C -amount A -to D -code 2FA [-memo M]
  stake METAL GRAMS MONTHS           stake a metal
  convert FROM TO AMOUNT             convert between assets
  history [-n N]                     show journaled activity (needs database.enabled)
  prices                             stream live metal prices

flags:
`

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	configPath := flag.String("config", ".", "Directory containing config.yaml")
	address := flag.String("address", os.Getenv("AUXITE_WALLET_ADDRESS"), "Wallet address to act for")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("cannot create logger: %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: a.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", *metricsAddr)
	}

	cmd := &command{app: a, out: os.Stdout, address: *address}
	if err := cmd.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "auxite: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}
