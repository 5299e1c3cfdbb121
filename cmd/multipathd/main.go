// multipathd is a storage-device lifecycle daemon: it consolidates kernel
// block-device uevents and dispatches the survivors to device configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucab/multipath-tools/internal/config"
	"github.com/lucab/multipath-tools/internal/journal"
	"github.com/lucab/multipath-tools/internal/monitor"
	"github.com/lucab/multipath-tools/internal/otel"
	"github.com/lucab/multipath-tools/internal/uevent"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("Error: %v", err)
	}
}

// setupOTEL initializes the tracer provider when an OTLP endpoint is
// configured. Returns a nil tracer (tracing disabled) otherwise.
func setupOTEL() (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, func() {}, err
	}
	if otelCfg.Endpoint() == "" {
		return nil, func() {}, nil
	}

	tp, err := otel.InitProvider(otelCfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(tp, shutdownCtx); err != nil {
			logrus.Errorf("Error shutting down OTEL provider: %v", err)
		}
	}
	return tp.Tracer("multipathd"), cleanup, nil
}

// setupJournal opens the dispatch journal when one is configured.
func setupJournal(cfg *config.Config) (*journal.Journal, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	return journal.Open(cfg.JournalPath)
}

// newTrigger builds the dispatch callback: it logs the surviving uevent,
// journals it and emits a span when tracing is enabled. The device
// configuration work proper hangs off this callback.
func newTrigger(jr *journal.Journal, tracer trace.Tracer) uevent.Trigger {
	return func(uev *uevent.Record) error {
		merged := len(uev.Merged())
		logrus.WithFields(logrus.Fields{
			"action": uev.Action(),
			"kernel": uev.Kernel(),
			"wwid":   uev.WWID(),
			"merged": merged,
		}).Info("dispatching uevent")

		if tracer != nil {
			_, span := tracer.Start(context.Background(), "uevent.dispatch",
				trace.WithAttributes(
					attribute.String("uevent.action", uev.Action()),
					attribute.String("uevent.kernel", uev.Kernel()),
					attribute.String("uevent.wwid", uev.WWID()),
					attribute.Int("uevent.merged", merged),
				))
			defer span.End()
		}

		if jr != nil {
			return jr.Record(journal.Entry{
				Timestamp: time.Now(),
				Action:    uev.Action(),
				Kernel:    uev.Kernel(),
				DevPath:   uev.DevPath(),
				WWID:      uev.WWID(),
				Merged:    merged,
			})
		}
		return nil
	}
}

func run() error {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logrus.SetLevel(cfg.LogLevel)
	logrus.Infof("Starting multipathd %s (commit: %s)", version, commit)

	tracer, cleanupOTEL, err := setupOTEL()
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	jr, err := setupJournal(cfg)
	if err != nil {
		return err
	}
	if jr != nil {
		defer func() {
			if err := jr.Close(); err != nil {
				logrus.Errorf("Error closing journal: %v", err)
			}
		}()
	}

	mon, err := monitor.New(monitor.Options{
		ReceiveBufferSize: cfg.ReceiveBufferBytes,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mon.Close(); err != nil {
			logrus.Errorf("Error closing uevent monitor: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := config.NewStore(cfg)
	go func() {
		if err := store.Watch(ctx, cfgPath); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Warnf("config watch stopped: %v", err)
		}
	}()

	q := uevent.NewQueue(store)
	q.InstallTrigger(newTrigger(jr, tracer))

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		q.Dispatch()
	}()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- uevent.Listen(ctx, mon, q)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logrus.Infof("Received %s, terminating...", sig)
	case err := <-listenErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	// Stop producing, then let the dispatcher drain whatever is queued.
	cancel()
	if err := mon.Close(); err != nil {
		logrus.Debugf("closing uevent monitor: %v", err)
	}
	q.Shutdown()
	<-dispatchDone

	return runErr
}
