// qtrader is the manager daemon: it supervises one trader process per
// configured account and exposes the unified HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csuduan/qtrader/internal/api"
	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/manager"
	"github.com/csuduan/qtrader/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("qtrader: load config: %v", err)
		os.Exit(1)
	}
	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Printf("qtrader: %v", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	bus.Start()

	mgr := manager.New(cfg, accounts, bus)
	mgr.Start()

	srv := api.NewServer(cfg, mgr, bus)
	srv.Start()
	log.Printf("qtrader: managing %d accounts, api on :%s", len(accounts), cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("qtrader: signal %s, shutting down", s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
	mgr.Stop()
	bus.Stop(2 * time.Second)
}
