// Package server wires the PHI protection components together and runs the
// gRPC operations service, the ops HTTP server and the background sweeps
// until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/filex"
	"github.com/justincihi/cognisync/internal/lockx"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/alert"
	"github.com/justincihi/cognisync/internal/server/config"
	"github.com/justincihi/cognisync/internal/server/metrics"
	"github.com/justincihi/cognisync/internal/server/objectstore"
	"github.com/justincihi/cognisync/internal/server/opshttp"
	"github.com/justincihi/cognisync/internal/server/repositories/repomanager"
	"github.com/justincihi/cognisync/internal/server/services"

	gs "github.com/justincihi/cognisync/internal/server/grpc"
)

const lockTTL = 5 * time.Minute

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	metrics *metrics.Metrics
	closers []io.Closer

	Audit     *services.AuditTrail
	Retention *services.RetentionManager
	MFA       *services.MFA
	Sessions  *services.SessionGuard
	Records   *services.RecordService
}

// NewApp opens the database, applies migrations, loads the application keys
// and builds every service. Nothing is started yet.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(c.LogLevel, os.Stdout)
	app := &App{config: c, logger: logger, metrics: metrics.New()}

	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, db)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations error: %w", err)
	}

	fieldKey, err := cryptox.LoadKey(ctx, app.logger, cryptox.KeySource{
		Name: "field_encryption_key", Value: c.FieldEncryptionKey, Generate: c.GenerateMissingKeys, Dir: c.KeyDir,
	})
	if err != nil {
		return err
	}
	fileKey, err := cryptox.LoadKey(ctx, app.logger, cryptox.KeySource{
		Name: "file_encryption_key", Value: c.FileEncryptionKey, Generate: c.GenerateMissingKeys, Dir: c.KeyDir,
	})
	if err != nil {
		return err
	}

	fields, err := cryptox.NewFieldCipher(fieldKey)
	if err != nil {
		return err
	}
	eraser := filex.NewEraser(c.ErasePasses)
	files, err := cryptox.NewFileCipher(fileKey, eraser)
	if err != nil {
		return err
	}

	if _, err := filex.EnsureSubdDir(c.UploadDir); err != nil {
		return fmt.Errorf("upload dir: %w", err)
	}

	locker, err := app.newLocker(ctx)
	if err != nil {
		return err
	}

	notifier := alert.Multi{alert.NewLogNotifier(app.logger)}
	if c.AMQPURL != "" {
		amqpNotifier := alert.NewAMQPNotifier(c.AMQPURL, c.AMQPAlertQueue)
		app.closers = append(app.closers, amqpNotifier)
		notifier = append(notifier, amqpNotifier)
	}

	var objects *objectstore.Store
	if c.S3Enabled {
		objects, err = objectstore.New(ctx, objectstore.Options{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			BaseEndpoint: c.S3BaseEndpoint,
			Bucket:       c.S3Bucket,
		})
		if err != nil {
			return fmt.Errorf("object store init error: %w", err)
		}
	}

	app.Audit = services.NewAuditTrail(db, rm, fields, notifier, app.metrics, app.logger)

	retentionDeps := services.RetentionDeps{
		Fields:   fields,
		Eraser:   eraser,
		Locker:   locker,
		Audit:    app.Audit,
		Notifier: notifier,
		Metrics:  app.metrics,
	}
	recordDeps := services.RecordDeps{
		Fields: fields,
		Files:  files,
		Eraser: eraser,
		Audit:  app.Audit,
		Locker: locker,
	}
	// A nil *Store must not become a non-nil interface.
	if objects != nil {
		retentionDeps.Objects = objects
		recordDeps.Objects = objects
	}

	app.Retention = services.NewRetentionManager(db, rm, retentionDeps, c, app.logger)
	app.MFA = services.NewMFA(db, rm, fields, app.Audit, c, app.logger)
	app.Sessions = services.NewSessionGuard(db, rm, app.MFA, app.Audit, app.metrics, c, app.logger)

	recordDeps.Sessions = app.Sessions
	recordDeps.Retention = app.Retention
	app.Records = services.NewRecordService(db, rm, recordDeps, app.logger)

	return nil
}

// newLocker returns a Redis lock when configured so that several replicas
// serialize on the same record; otherwise an in-process lock.
func (app *App) newLocker(ctx context.Context) (lockx.Locker, error) {
	c := app.config
	if c.RedisAddr == "" {
		return lockx.NewKeyedMutex(), nil
	}
	client, err := lockx.NewRedisClient(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}
	app.closers = append(app.closers, client)
	return lockx.NewRedisLocker(client, "cognisync:lock:", lockTTL), nil
}

func (app *App) Close() error {
	var first error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	app.closers = nil
	return first
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until a signal arrives or a server fails, then waits for every
// goroutine to stop.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.Close()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	grpcServer := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.Sessions, app.Retention, app.Audit)
	opsServer := opshttp.NewServer(app.config.OpsAddrHTTP, opshttp.NewRouter(app.metrics, app.db, app.logger), app.logger)

	var wg sync.WaitGroup
	serve := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				app.logger.Error(ctx, "server stopped", "server", name, "err", err)
				cancelFunc()
			}
		}()
	}
	sweep := func(run func(context.Context, time.Duration), interval time.Duration) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, interval)
		}()
	}

	serve("grpc", grpcServer.Run)
	serve("ops_http", opsServer.Run)
	sweep(app.Retention.Run, app.config.RetentionSweepInterval)
	sweep(app.Sessions.Run, app.config.SessionSweepInterval)

	<-ctx.Done()
	app.logger.Info(ctx, "Shutting down...")
	wg.Wait()
	app.logger.Info(ctx, "Stopped")
}
