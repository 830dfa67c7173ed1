package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ryanmoran/gitgate/internal"
	"github.com/ryanmoran/gitgate/internal/docker"
	"github.com/ryanmoran/gitgate/internal/git"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic occurred: %v", r)
			os.Exit(1)
		}
	}()

	if err := run(os.Args, os.Environ()); err != nil {
		log.Fatal(err)
	}
}

func run(args, env []string) error {
	// Create context with cancellation for proper goroutine cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals to cancel context and shut the server down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	cmd := newRootCommand(env, os.Stderr)
	cmd.SetArgs(args[1:])
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(env []string, stderr io.Writer) *cobra.Command {
	var config *internal.Config

	root := &cobra.Command{
		Use:           "gitgate",
		Short:         "Serve bare git repositories over the Smart HTTP protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Validate()
		},
	}
	root.SetErr(stderr)

	config = internal.BindFlags(root.PersistentFlags(), env)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP gateway until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), *config, env, stderr)
			},
		},
		&cobra.Command{
			Use:   "init <name>",
			Short: "Create an empty bare repository under the repository root",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resolver, err := openRoot(config.RepoRoot)
				if err != nil {
					return err
				}

				loc, err := git.NewRegistry(resolver).Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create repository %q: %w", args[0], err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty bare repository in %s\n", loc.Path)
				return nil
			},
		},
	)

	return root
}

func openRoot(root string) (*git.Resolver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository root %q: %w\nCheck file system permissions", root, err)
	}
	return git.NewResolver(root)
}

func serve(ctx context.Context, config internal.Config, env []string, stderr io.Writer) error {
	logger, err := internal.NewLogger(stderr, config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}

	cleanupMgr := internal.NewCleanupManager(logger)
	defer cleanupMgr.Execute()

	resolver, err := openRoot(config.RepoRoot)
	if err != nil {
		return err
	}

	backend, health, err := newBackend(ctx, config, env, resolver, cleanupMgr, logger)
	if err != nil {
		return err
	}

	auditor := git.NewAuditor(git.NewLogSink(logger), config.AuditBuffer, logger)
	cleanupMgr.Add("auditor", auditor.Close)

	gateway := git.NewGateway(
		git.NewAdvertiser(resolver, backend, config.AdvertiseTimeout, auditor, logger),
		git.NewProxy(resolver, backend, config.ChunkSize, config.ExchangeTimeout, auditor, logger),
		git.NewRegistry(resolver),
		git.GatewayOptions{DisablePush: config.DisablePush, Health: health},
		logger,
	)

	server, err := git.NewServer(config.Addr, gateway, logger)
	if err != nil {
		return fmt.Errorf("failed to start gateway on %q: %w", config.Addr, err)
	}
	cleanupMgr.Add("git-server", server.Close)

	logger.Info().
		Str("root", resolver.Root()).
		Str("backend", string(config.Backend)).
		Bool("push_disabled", config.DisablePush).
		Msg("gitgate ready")

	<-ctx.Done()

	logger.Info().Dur("timeout", config.ShutdownTimeout).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}
	return nil
}

// newBackend builds the engine selected by config. The returned Pinger is nil
// when the engine has nothing to check.
func newBackend(ctx context.Context, config internal.Config, env []string, resolver *git.Resolver, cleanupMgr *internal.CleanupManager, logger zerolog.Logger) (git.Backend, git.Pinger, error) {
	switch config.Backend {
	case internal.BackendDocker:
		client, err := docker.NewDefaultClient()
		if err != nil {
			return nil, nil, err
		}
		cleanupMgr.Add("docker-client", client.Close)

		if err := client.Ping(ctx); err != nil {
			return nil, nil, err
		}

		// Containers left over from a crashed run would otherwise hold their
		// names and bind mounts forever.
		removed, err := client.RemoveStale(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to remove stale containers")
		} else if removed > 0 {
			logger.Info().Int("removed", removed).Msg("removed stale containers")
		}

		backend := docker.NewBackend(client, config.DockerImage, resolver.Root(), logger)
		return backend, backend, nil

	default:
		backend, err := git.NewExecBackend(config.GitBinary, env)
		if err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	}
}
