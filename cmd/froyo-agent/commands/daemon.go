package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/froyo-agent/pkg/auth"
	"github.com/openfroyo/froyo-agent/pkg/bus"
	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/hostinfo"
	"github.com/openfroyo/froyo-agent/pkg/module"
	"github.com/openfroyo/froyo-agent/pkg/policy"
	"github.com/openfroyo/froyo-agent/pkg/queue"
	"github.com/openfroyo/froyo-agent/pkg/server"
	"github.com/openfroyo/froyo-agent/pkg/session"
	"github.com/openfroyo/froyo-agent/pkg/stores"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/trust"
)

func runDaemon(ctx context.Context, cfg *config.Config, version string) error {
	if os.Geteuid() != 0 {
		return errors.New("froyo-agent must be started as root")
	}
	if !cfg.Foreground && !detached() {
		pid, err := detach()
		if err != nil {
			return err
		}
		log.Info().Int("pid", pid).Msg("Daemon started in the background")
		return nil
	}

	tel, err := telemetry.New(cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			tel.Logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()
	logger := tel.Logger.NewComponentLogger("daemon")

	if cfg.Fencing {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			logger.WithError(err).Warn("failed to lock memory")
		}
	}

	d, err := assemble(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer d.close()

	ln, err := net.Listen("tcp", server.Address(cfg))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if cfg.User != "" {
		if err := dropPrivileges(cfg.User, cfg.Fencing); err != nil {
			_ = ln.Close()
			return err
		}
		logger.WithField("user", cfg.User).WithField("keep_sys_boot", cfg.Fencing).Info("dropped privileges")
	}

	srv, err := server.New(server.Config{
		Listener:     ln,
		MaxClients:   cfg.MaxClients,
		ReapInterval: cfg.Timeouts.ReapInterval,
		Session:      d.session,
		Recovery:     d.queue,
		Trust:        d.trust,
		Telemetry:    tel,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	if tel.Config.Metrics.Enabled {
		go func() {
			if err := tel.Metrics.Serve(ctx); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	logger.WithField("version", version).WithField("port", cfg.Port).Info("froyo-agent started")
	return srv.Run(ctx)
}

// daemon holds the long-lived components shared by all sessions.
type daemon struct {
	session session.Config
	queue   *queue.Queue
	trust   *trust.Store
	store   *stores.SQLiteStore
}

func (d *daemon) close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

func assemble(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*daemon, error) {
	tlsConfig, err := server.LoadTLS(cfg.Paths.ServerCert, cfg.Paths.ServerKey)
	if err != nil {
		return nil, err
	}

	trustStore, err := trust.New(trust.Config{
		CABundle:  cfg.Paths.CABundle,
		PinnedDir: cfg.Paths.PinnedDir,
		Logger:    tel.Logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngineFromFile(ctx, tel.Logger.Zerolog(), cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	launcher := &queue.ProcessLauncher{
		Worker: cfg.Paths.Worker,
		Env:    []string{config.EnvModulesDir + "=" + cfg.Paths.ModulesDir},
		Logger: tel.Logger,
	}
	q, err := queue.New(queue.Config{
		Dir:      cfg.Paths.QueueDir,
		LockPath: cfg.Paths.QueueLock,
		Launcher: launcher,
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
	})
	if err != nil {
		return nil, err
	}
	launcher.OnExit = q.WorkerExited

	modules, err := bus.NewExecBus(bus.Config{
		Dir:     cfg.Paths.ModulesDir,
		Timeout: cfg.Timeouts.Receive,
		Logger:  tel.Logger,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{queue: q, trust: trustStore}
	var auditor stores.Auditor = stores.NopAuditor{}
	if cfg.Paths.AuditDB != "" {
		store, err := openStore(ctx, cfg.Paths.AuditDB)
		if err != nil {
			return nil, err
		}
		d.store = store
		auditor = store
	}

	d.session = session.Config{
		TLS:       tlsConfig,
		Trust:     trustStore,
		Auth:      auth.NewPasswordFile(cfg.Paths.PasswordFile),
		Policy:    engine,
		Host:      hostinfo.New(),
		Queue:     q,
		Bus:       modules,
		Rebooter:  module.SyscallRebooter{},
		Auditor:   auditor,
		Advertise: cfg.Advertise,
		Fencing:   cfg.Fencing,
		Timeouts:  cfg.Timeouts,
		Telemetry: tel,
	}
	return d, nil
}

// openStore opens the audit database and brings its schema up to date.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return store, nil
}
