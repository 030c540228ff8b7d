package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/gateway"
	"github.com/wudi/dispatch/internal/logging"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "dispatch.yaml", "path to configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
		validate    = flag.Bool("validate", false, "validate configuration and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("dispatch", version)
		return
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *validate {
		fmt.Println("configuration OK")
		return
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	g, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		logging.Error("gateway init failed", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err == nil {
		watcher.OnChange(func(next *config.Config) {
			data, err := routesAsJSON(next)
			if err != nil {
				logging.Error("reload: encode routes failed", zap.Error(err))
				return
			}
			if _, err := g.ImportRoutes(data); err != nil {
				logging.Error("reload: import failed", zap.Error(err))
				return
			}
			logging.Info("routes reloaded", zap.Int("count", len(next.Routes)))
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	} else {
		logging.Warn("config watcher disabled", zap.Error(err))
	}

	logging.Info("starting dispatch",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
		zap.Int("routes", len(cfg.Routes)))

	srv := gateway.NewServer(g, cfg)
	if err := srv.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// routesAsJSON re-encodes a config's route set in the import envelope so a
// file reload goes through the same atomic path as an operator import.
func routesAsJSON(cfg *config.Config) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"routes": cfg.Routes})
}
