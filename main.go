package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/courtc/proxytainer/proxy"
)

func main() {
	cfg, err := proxy.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := proxy.NewDockerRuntime()
	if err != nil {
		slog.Error("docker client init failed", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()

	group, err := proxy.ResolveGroup(ctx, runtime, cfg.GroupLabel)
	if err != nil {
		slog.Error("group resolution failed", "error", err)
		os.Exit(1)
	}
	slog.Info("resolved container group", "label", cfg.GroupLabel, "size", len(group))

	manager := proxy.NewLifecycleManager(runtime, group, cfg)

	var wg sync.WaitGroup
	errc := make(chan error, 4)

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("component exited", "component", name, "error", err)
				errc <- err
				cancel()
			}
		}()
	}

	run("lifecycle", func() error { return manager.Run(ctx) })
	run("front", func() error {
		return proxy.NewProxyFront(":"+cfg.ListenPort, cfg.UpstreamAddr, manager).Run(ctx)
	})

	if cfg.CurfewSchedule != "" {
		scheduler, err := proxy.NewCurfewScheduler(cfg.CurfewSchedule, manager)
		if err != nil {
			slog.Error("curfew scheduler init failed", "error", err)
			os.Exit(1)
		}
		run("curfew", func() error { scheduler.Run(ctx); return nil })
	}

	if cfg.AdminPort != "" && cfg.AdminPort != "0" {
		admin := proxy.NewAdminServer(":"+cfg.AdminPort, cfg.AdminAuth, manager)
		run("admin", func() error { return admin.Run(ctx) })
	}

	var receivedSig os.Signal
	go func() {
		select {
		case s := <-sigc:
			receivedSig = s
			slog.Info("received signal, shutting down", "signal", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	close(errc)

	if sig, ok := receivedSig.(syscall.Signal); ok {
		os.Exit(128 + int(sig))
	}

	if err, ok := <-errc; ok && err != nil {
		os.Exit(1)
	}
}
