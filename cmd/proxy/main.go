package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/logging"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
)

// reloader applies a configuration read again from disk
type reloader interface {
	Reload(ctx context.Context, cfg *config.Config) error
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE_PROXY_CONFIG", "configs/config.yaml"), "path to config.yaml")
	flag.Parse()
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if _, err := logging.Init(cfg.Log); err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watchReload(ctx, hup, configPath, server)

	err = server.Start(ctx)
	if closeErr := server.Close(); closeErr != nil {
		logrus.Errorf("Failed to close cache store: %v", closeErr)
	}
	if err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// watchReload reloads the configuration each time sig fires, until ctx is done
func watchReload(ctx context.Context, sig <-chan os.Signal, path string, r reloader) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
		}

		logrus.Infof("Reloading config from %s", path)
		cfg, err := loadConfig(path)
		if err != nil {
			logrus.Errorf("Invalid configuration, keeping the current one: %v", err)
			continue
		}
		if err := r.Reload(ctx, cfg); err != nil {
			logrus.Errorf("Reload failed: %v", err)
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
