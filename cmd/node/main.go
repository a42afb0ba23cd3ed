package node

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/admin"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/flags"
	"github.com/agentmesh/agentmesh/pkg/mods/simplemsg"
	"github.com/agentmesh/agentmesh/pkg/mods/threadmsg"
	"github.com/agentmesh/agentmesh/pkg/network"
)

const shutdownGrace = 15 * time.Second

// Main executes the node subcommand
func Main(args []string) {
	cmd := flag.NewFlagSet("node", flag.ExitOnError)

	configPath := cmd.String("config", "agentmesh.yaml", "path to the network configuration")
	metricsAddr := cmd.String("metrics-addr", ":9990", "address to serve scrapable metrics on")
	enablePprof := cmd.Bool("enable-pprof", false, "Enable pprof endpoints on the admin server")
	snapshotPath := cmd.String("snapshot-path", "", "write a state snapshot to this path on clean shutdown")

	flags.ConfigureAndParse(cmd, args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %s", *configPath, err)
	}

	mods, err := buildMods(cfg)
	if err != nil {
		log.Fatalf("Failed to build mods: %s", err)
	}

	n, err := network.New(cfg, mods, nil)
	if err != nil {
		log.Fatalf("Failed to assemble network: %s", err)
	}
	n.SnapshotPath = *snapshotPath

	adminServer := admin.NewServer(*metricsAddr, *enablePprof, n.Ready)
	go func() {
		log.Infof("starting admin server on %s", *metricsAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Infof("Admin server closed (%s)", *metricsAddr)
			} else {
				log.Errorf("Admin server error (%s): %s", *metricsAddr, err)
			}
		}
	}()

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start network: %s", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %s", err)
	}
	adminServer.Shutdown(shutdownCtx)
}

// buildMods constructs the enabled mods in declaration order.
func buildMods(cfg *config.Config) ([]network.Mod, error) {
	var mods []network.Mod
	for _, decl := range cfg.EnabledMods() {
		switch decl.Name {
		case threadmsg.ModName:
			mod, err := threadmsg.New(decl.Config)
			if err != nil {
				return nil, err
			}
			mods = append(mods, mod)
		case simplemsg.ModName:
			mods = append(mods, simplemsg.New())
		default:
			log.Warnf("unknown mod %q ignored", decl.Name)
		}
	}
	return mods, nil
}
