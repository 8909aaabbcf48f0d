package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/api"
	"github.com/narvanalabs/mpi-allocator/internal/api/health"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/discovery"
	"github.com/narvanalabs/mpi-allocator/internal/events"
	grpcserver "github.com/narvanalabs/mpi-allocator/internal/grpc"
	"github.com/narvanalabs/mpi-allocator/internal/provision"
	"github.com/narvanalabs/mpi-allocator/internal/secrets"
	"github.com/narvanalabs/mpi-allocator/internal/shutdown"
	"github.com/narvanalabs/mpi-allocator/internal/store"
	"github.com/narvanalabs/mpi-allocator/internal/store/memory"
	pgstore "github.com/narvanalabs/mpi-allocator/internal/store/postgres"
	"github.com/narvanalabs/mpi-allocator/internal/store/snapshot"
	"github.com/narvanalabs/mpi-allocator/pkg/config"
	"github.com/narvanalabs/mpi-allocator/pkg/logger"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the allocator for the current batch job",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "api-port", Usage: "HTTP listen port", EnvVars: []string{"API_PORT"}},
			&cli.IntFlag{Name: "grpc-port", Usage: "gRPC listen port", EnvVars: []string{"GRPC_PORT"}},
			&cli.StringSliceFlag{Name: "machine", Usage: "node hostname; repeat to bypass the node file"},
			&cli.StringFlag{Name: "journal", Usage: "memory, postgres or snapshot", EnvVars: []string{"MPIALLOC_JOURNAL"}},
		},
		Action: serve,
	}
}

// loadConfig reads config and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("grpc-port") {
		cfg.GRPCPort = c.Int("grpc-port")
	}
	if machines := c.StringSlice("machine"); len(machines) > 0 {
		cfg.Allocator.Machines = machines
	}
	if c.IsSet("journal") {
		cfg.Journal.Driver = c.String("journal")
	}
	return cfg, cfg.Validate()
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	slog.SetDefault(log.Logger)

	cluster, err := discovery.Discover(discovery.Options{
		Machines: cfg.Allocator.Machines,
		NodeFile: cfg.Allocator.NodeFile,
	}, log.WithComponent("discovery").Logger)
	if err != nil {
		return fmt.Errorf("discovering nodes: %w", err)
	}
	mpi := cluster.MPI
	if cfg.Allocator.MPI != nil {
		mpi = *cfg.Allocator.MPI
	}

	provisioner, err := buildProvisioner(cfg, mpi, log.WithComponent("provision").Logger)
	if err != nil {
		return err
	}

	journal, err := openJournal(cfg, log.WithComponent("journal").Logger)
	if err != nil {
		return err
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("journal", journal))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	closeStaleAllocations(startCtx, journal, cfg.Allocator.Name, log.Logger)
	cancelStart()

	broker := events.NewBroker(log.WithComponent("events").Logger)
	coordinator.Register(shutdown.NewFuncComponent("events", func(context.Context) error {
		broker.Close()
		return nil
	}))

	alloc, err := allocator.New(allocator.Config{
		Name:         cfg.Allocator.Name,
		AccountingID: cfg.Allocator.AccountingID,
		Hosts:        cluster.Hosts,
		MPI:          mpi,
	}, provisioner, log.WithComponent("allocator").Logger,
		allocator.WithCredentials(auth.PrincipalCredentials{}),
		allocator.WithJournal(journal),
		allocator.WithPublisher(broker),
	)
	if err != nil {
		journal.Close()
		return fmt.Errorf("creating allocator: %w", err)
	}
	coordinator.Register(shutdown.NewReleaserComponent("allocations", alloc))

	authSvc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.WithComponent("auth").Logger)
	guard := auth.NewGuard(alloc, log.Logger)

	checker := health.NewChecker(api.Version)
	checker.Register("pool", health.PoolCheck(alloc))
	pinger, _ := journal.(health.Pinger)
	if pinger != nil {
		checker.Register("journal", health.PingCheck(pinger))
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	apiServer := api.NewServer(cfg, guard, authSvc, broker, checker, log.WithComponent("api").Logger)
	httpSrv := apiServer.HTTPServer()
	httpLis, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		coordinator.Shutdown()
		return fmt.Errorf("listening on %s: %w", httpSrv.Addr, err)
	}
	go func() {
		log.Info("starting API server", "addr", httpSrv.Addr)
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel(fmt.Errorf("api server: %w", err))
		}
	}()
	coordinator.Register(shutdown.NewHTTPServerComponent("api", httpSrv))

	grpcCfg := grpcserver.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	grpcSrv, err := grpcserver.NewServer(grpcCfg, guard, broker, authSvc, log.WithComponent("grpc").Logger)
	if err != nil {
		coordinator.Shutdown()
		return err
	}
	if pinger != nil {
		grpcSrv.SetHealthPinger(pinger)
	}
	grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		coordinator.Shutdown()
		return fmt.Errorf("listening on %s: %w", grpcAddr, err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			cancel(fmt.Errorf("grpc server: %w", err))
		}
	}()
	coordinator.Register(shutdown.NewGRPCServerComponent("grpc", grpcSrv))

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(cfg.ConfigFile, cfg.Allocator, alloc, log.WithComponent("config").Logger)
		if err != nil {
			log.Warn("config reload disabled", "path", cfg.ConfigFile, "error", err)
		} else {
			go watcher.Run(ctx)
			coordinator.Register(shutdown.NewCloserComponent("config-watcher", watcher))
		}
	}

	log.Info("allocator ready",
		"name", cfg.Allocator.Name,
		"hosts", len(cluster.Hosts),
		"source", cluster.Source,
		"mpi", mpi,
		"journal", cfg.Journal.Driver,
	)

	coordinator.Run(ctx)
	coordinator.Wait()
	if code := coordinator.ExitCode(); code != 0 {
		os.Exit(code)
	}
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildProvisioner routes MPI launches over SSH and everything else to a
// local pty. The SSH backend is only built in MPI mode.
func buildProvisioner(cfg *config.Config, mpi bool, log *slog.Logger) (allocator.Provisioner, error) {
	local, err := provision.NewLocalProvisioner(provision.LocalConfig{
		Command:     cfg.Provision.Command,
		Launcher:    cfg.Provision.Launcher,
		StopTimeout: cfg.Provision.StopTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configuring local provisioner: %w", err)
	}
	if !mpi {
		return provision.NewRouter(nil, local), nil
	}

	if cfg.Provision.SSHKeyFile == "" {
		return nil, fmt.Errorf("MPIALLOC_SSH_KEY_FILE is required in MPI mode")
	}
	vault, err := secrets.NewKeyVault(&secrets.Config{
		AgePublicKey:  cfg.Age.PublicKey,
		AgePrivateKey: cfg.Age.PrivateKey,
	}, log)
	if err != nil {
		return nil, err
	}
	signer, err := provision.SignerFromFile(vault, cfg.Provision.SSHKeyFile)
	if err != nil {
		return nil, err
	}

	user := cfg.Provision.SSHUser
	if user == "" {
		user = os.Getenv("USER")
	}
	remote, err := provision.NewSSHProvisioner(provision.SSHConfig{
		User:           user,
		Port:           cfg.Provision.SSHPort,
		Signer:         signer,
		KnownHostsFile: cfg.Provision.KnownHostsFile,
		Launcher:       cfg.Provision.Launcher,
		Command:        cfg.Provision.Command,
		LogDir:         cfg.Provision.LogDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configuring ssh provisioner: %w", err)
	}
	return provision.NewRouter(remote, local), nil
}

// openJournal opens the configured allocation store.
func openJournal(cfg *config.Config, log *slog.Logger) (store.AllocationStore, error) {
	switch cfg.Journal.Driver {
	case config.JournalPostgres:
		s, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.Journal.DatabaseDSN), log)
		if err != nil {
			return nil, fmt.Errorf("opening postgres journal: %w", err)
		}
		return s, nil
	case config.JournalSnapshot:
		s, err := snapshot.Open(cfg.Journal.SnapshotPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot journal: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

// closeStaleAllocations marks allocations a previous process left active as
// released. Their servers died with that process, and the new pool starts
// with every node free.
func closeStaleAllocations(ctx context.Context, journal store.AllocationStore, name string, log *slog.Logger) int {
	active, err := journal.ListActive(ctx, name)
	if err != nil {
		log.Warn("listing active allocations failed", "error", err)
		return 0
	}

	now := time.Now().UTC()
	closed := 0
	for _, a := range active {
		if err := journal.MarkReleased(ctx, a.ID, now); err != nil {
			log.Warn("closing stale allocation failed", "allocation_id", a.ID, "error", err)
			continue
		}
		log.Warn("closed stale allocation from previous run",
			"allocation_id", a.ID,
			"name", a.Name,
			"hosts", a.Hosts,
		)
		closed++
	}
	return closed
}
