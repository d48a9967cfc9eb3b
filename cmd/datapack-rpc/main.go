// datapack-rpc bridges a game server's datapacks to external services.
//
// A datapack (or anything else with write access to the world) requests a call by creating
// a directory under world/datapacks holding a pack.mcmeta whose description smuggles a
// JSON envelope. datapack-rpc notices the file, removes the directory, runs the method and
// writes the resulting console command into the server's stdin.
//
// Usage:
//
//	datapack-rpc [--config FILE] [--root DIR] [--no-child] ...   run the bridge (default)
//	datapack-rpc send [--root DIR] METHOD [ARGS...]               drop a carrier for testing
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datapack-rpc/client"
	"datapack-rpc/config"
	"datapack-rpc/loadbalance"
	"datapack-rpc/logger"
	"datapack-rpc/registry"
	"datapack-rpc/server"
	"datapack-rpc/status"
	"datapack-rpc/supervisor"
	"datapack-rpc/transport"
	"datapack-rpc/watch"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "send" {
		return runSend(args[1:])
	}
	return runServe(args)
}

// loadConfig reads the config file (if any) and applies flag overrides on top of it.
func loadConfig(args []string) (*config.Config, bool, error) {
	var (
		configPath string
		root       string
		logLevel   string
		logFormat  string
		noChild    bool
		workers    int
		rescan     bool
		statusAddr string
	)

	flagSet := pflag.NewFlagSet("datapack-rpc", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&root, "root", "", "carrier root directory (default world/datapacks)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "", "json or console")
	flagSet.BoolVar(&noChild, "no-child", false, "do not start the game server; write commands to stdout")
	flagSet.IntVar(&workers, "workers", 0, "carriers processed concurrently")
	flagSet.BoolVar(&rescan, "rescan", false, "dispatch carriers already present at startup")
	flagSet.StringVar(&statusAddr, "status-listen", "", "serve GET /healthz on this address")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil, true, nil
		}
		return nil, false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil, true, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, false, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, false, err
		}
		cfg = loaded
	}

	if flagSet.Changed("root") {
		cfg.Watch.Root = root
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flagSet.Changed("no-child") {
		cfg.Child.Disabled = noChild
	}
	if flagSet.Changed("workers") {
		cfg.Watch.Workers = workers
	}
	if flagSet.Changed("rescan") {
		cfg.Watch.Rescan = rescan
	}
	if flagSet.Changed("status-listen") {
		cfg.Status.Listen = statusAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, false, nil
}

func runServe(args []string) error {
	cfg, helped, err := loadConfig(args)
	if err != nil || helped {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The watch goes in before the child starts so nothing the server writes early is missed.
	watcher, err := watch.New(cfg.Watch.Root, watch.Options{Rescan: cfg.Watch.Rescan})
	if err != nil {
		return fmt.Errorf("watch %s: %w", cfg.Watch.Root, err)
	}
	defer watcher.Close()

	var (
		child *supervisor.Child
		out   *transport.Outbound
	)
	if cfg.Child.Disabled {
		out = transport.NewOutbound(os.Stdout)
	} else {
		child, err = supervisor.Start(supervisor.Options{
			Command:     cfg.Child.Command,
			Args:        cfg.Child.Args,
			Dir:         cfg.Child.Dir,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			StopCommand: cfg.Child.StopCommand,
		}, log.Named("child"))
		if err != nil {
			return err
		}
		out = transport.NewOutbound(child.Stdin())
		if cfg.Child.Console {
			go func() {
				if err := supervisor.ForwardConsole(ctx, os.Stdin, out, log.Named("console")); err != nil {
					log.Warn("console forwarding stopped", zap.Error(err))
				}
			}()
		}
	}

	var chat server.ChatCompleter
	if !cfg.Chat.Disabled {
		reg, cleanup, err := openRegistry(ctx, cfg.Chat, log)
		if err != nil {
			stopChild(child, out, cfg, log)
			return err
		}
		defer cleanup()

		bal, err := loadbalance.New(cfg.Chat.Balancer)
		if err != nil {
			stopChild(child, out, cfg, log)
			return err
		}
		chat = client.NewClient(reg, bal, client.Options{
			Service:     cfg.Chat.Service,
			Model:       cfg.Chat.Model,
			System:      cfg.Chat.System,
			Temperature: cfg.Chat.Temperature,
			Timeout:     cfg.Chat.Timeout,
		}, log.Named("chat"))
	}

	dispatcher := server.NewDispatcher(out, chat, server.DispatcherOptions{
		Timeout:         cfg.Dispatch.Timeout,
		RateLimit:       cfg.Dispatch.RateLimit,
		RateBurst:       cfg.Dispatch.RateBurst,
		Retries:         cfg.Dispatch.Retries,
		RetryDelay:      cfg.Dispatch.RetryDelay,
		BroadcastTarget: cfg.Dispatch.BroadcastTarget,
	}, log.Named("dispatch"))

	srv, err := server.NewServer(cfg.Watch.Root, dispatcher, server.Options{
		Marker:  cfg.Watch.Marker,
		Workers: cfg.Watch.Workers,
	}, log.Named("server"))
	if err != nil {
		stopChild(child, out, cfg, log)
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Serve(groupCtx, watcher); err != nil {
			return err
		}
		if groupCtx.Err() == nil {
			return errors.New("watch stream ended")
		}
		return nil
	})
	if cfg.Status.Listen != "" {
		statusServer := status.New(status.Config{
			Listen:    cfg.Status.Listen,
			WatchRoot: cfg.Watch.Root,
		}, srv.Claims(), out, log.Named("status"))
		group.Go(func() error { return statusServer.Start(groupCtx) })
	}
	if child != nil {
		group.Go(func() error {
			select {
			case <-child.Done():
				return fmt.Errorf("child exited: %v", child.Wait())
			case <-groupCtx.Done():
				return nil
			}
		})
	}
	runErr := group.Wait()

	if err := srv.Shutdown(cfg.Watch.ShutdownTimeout); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	stopChild(child, out, cfg, log)
	return runErr
}

// stopChild shuts the child down (if there is one) and closes the outbound channel.
func stopChild(child *supervisor.Child, out *transport.Outbound, cfg *config.Config, log *zap.Logger) {
	if child != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Child.StopTimeout)
		defer cancel()
		if err := child.Stop(stopCtx, out); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			log.Warn("child stop", zap.Error(err))
		}
	}
	// The pipe may already be closed by the child's exit.
	_ = out.Close()
}

// openRegistry returns the registry the chat client discovers backends from. Configured
// backends are published into it; with etcd they are withdrawn again by cleanup.
func openRegistry(ctx context.Context, cfg config.ChatConfig, log *zap.Logger) (registry.Registry, func(), error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		reg := registry.NewStaticRegistry()
		for _, backend := range cfg.Backends {
			if err := reg.Register(ctx, cfg.Service, backend, 0); err != nil {
				return nil, nil, err
			}
		}
		return reg, func() {}, nil
	}

	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log.Named("etcd"))
	if err != nil {
		return nil, nil, err
	}
	for _, backend := range cfg.Backends {
		if err := reg.Register(ctx, cfg.Service, backend, cfg.Etcd.LeaseTTL); err != nil {
			reg.Close()
			return nil, nil, fmt.Errorf("publish backend %s: %w", backend.Addr, err)
		}
		log.Info("published chat backend", zap.String("addr", backend.Addr))
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, backend := range cfg.Backends {
			if err := reg.Deregister(ctx, cfg.Service, backend.Addr); err != nil {
				log.Warn("withdraw chat backend", zap.String("addr", backend.Addr), zap.Error(err))
			}
		}
		reg.Close()
	}
	return reg, cleanup, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `datapack-rpc runs a game server and answers calls its datapacks drop on disk.

Usage:
  datapack-rpc [flags]
  datapack-rpc send [--root DIR] [--id NAME] ping
  datapack-rpc send [--root DIR] chat MESSAGE...
  datapack-rpc send [--root DIR] --callback NS:FN sum A B

Flags:
%s`, flagSet.FlagUsages())
}
