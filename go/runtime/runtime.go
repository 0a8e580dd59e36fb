package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pipefab/spooltrack/go/api"
	"github.com/pipefab/spooltrack/go/audit"
	"github.com/pipefab/spooltrack/go/bus"
	"github.com/pipefab/spooltrack/go/locks"
	"github.com/pipefab/spooltrack/go/repo"
	"github.com/pipefab/spooltrack/go/sheets"
	"github.com/pipefab/spooltrack/go/versions"
	"github.com/pipefab/spooltrack/go/workflow"
)

// Serve builds the service from configuration and runs it until |ctx| is
// cancelled. Startup fails fast: an invalid worksheet schema or an
// unreachable lock backend aborts before the listener binds.
func Serve(ctx context.Context, cfg *Config) error {
	var monitor = sheets.NewRateMonitor(cfg.Sheets.WriteTarget, cfg.Sheets.WriteQuota)
	var tab, err = sheets.NewClient(ctx, cfg.Sheets.SpreadsheetID, cfg.Sheets.CredentialsFile, monitor)
	if err != nil {
		return fmt.Errorf("building sheets client: %w", err)
	}

	var required = repo.RequiredColumns()
	required[audit.Worksheet] = audit.Columns
	if err = sheets.ValidateSchema(ctx, tab, required); err != nil {
		return fmt.Errorf("validating worksheet schema: %w", err)
	}
	log.Info("worksheet schema validated")

	lockSvc, err := buildLocks(ctx, cfg.Etcd)
	if err != nil {
		return err
	}

	var (
		b        = bus.New()
		auditLog = audit.NewLogger(tab)
		wf       = workflow.New(
			repo.NewSpools(tab, versions.NewService(tab)),
			repo.NewUnions(tab),
			repo.NewWorkers(tab),
			lockSvc, auditLog, b,
		)
	)
	if err = wf.ReconcileLocks(ctx); err != nil {
		return fmt.Errorf("reconciling locks at startup: %w", err)
	}

	var server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: api.NewServer(wf, auditLog, b, monitor).Router(),
	}

	var done = make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("serving API")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return <-done
}

func buildLocks(ctx context.Context, cfg EtcdConfig) (locks.Service, error) {
	if cfg.InMemory {
		log.Warn("using in-process locks; occupation is not shared across replicas")
		return locks.NewMemory(), nil
	}

	var client, err = clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing etcd: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if _, err = client.Get(probeCtx, cfg.LockPrefix, clientv3.WithCountOnly()); err != nil {
		return nil, fmt.Errorf("probing etcd: %w", err)
	}

	svc, err := locks.NewEtcd(client, cfg.LockPrefix)
	if err != nil {
		return nil, err
	}
	return svc, nil
}
