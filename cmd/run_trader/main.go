// run_trader is the per-account trader process. It is normally spawned by
// the qtrader manager but can be run standalone for debugging.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/csuduan/qtrader/internal/trader"
	"github.com/csuduan/qtrader/pkg/config"
)

func main() {
	accountID := flag.String("account-id", "", "account id to trade (required)")
	envFile := flag.String("config", "", "optional .env file path")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if *accountID == "" {
		log.Println("run_trader: --account-id is required")
		os.Exit(2)
	}
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("run_trader: load %s: %v", *envFile, err)
			os.Exit(1)
		}
	}
	if *debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("run_trader: load config: %v", err)
		os.Exit(1)
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Printf("run_trader: %v", err)
		os.Exit(1)
	}
	acct := config.FindAccount(accounts, *accountID)
	if acct == nil {
		log.Printf("run_trader: account %s not in %s", *accountID, cfg.AccountsFile)
		os.Exit(1)
	}

	var strategies []config.StrategyConfig
	if cfg.StrategiesFile != "" {
		if strategies, err = config.LoadStrategies(cfg.StrategiesFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Printf("run_trader: no strategies file, trading manual only")
			} else {
				log.Printf("run_trader: %v", err)
				os.Exit(1)
			}
		}
	}

	t, err := trader.New(cfg, *acct, strategies)
	if err != nil {
		log.Printf("run_trader: %v", err)
		os.Exit(1)
	}
	if err := t.Start(); err != nil {
		// PID collision and socket failures land here.
		log.Printf("run_trader: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- t.Wait() }()

	select {
	case s := <-sig:
		log.Printf("run_trader: signal %s, shutting down", s)
		t.Stop()
		os.Exit(1)
	case err := <-errc:
		t.Stop()
		if err != nil {
			log.Printf("run_trader: fatal: %v", err)
			os.Exit(1)
		}
	}
}
