package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qnasession/internal/api"
	"qnasession/internal/bus"
	"qnasession/internal/cluster"
	"qnasession/internal/config"
	"qnasession/internal/forward"
	"qnasession/internal/realtime"
	"qnasession/internal/store"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow the change feed, run clustering and serve the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// runServe runs every enabled component until ctx is cancelled, then waits up
// to shutdownTimeout for the scheduler and the API to finish before closing
// the feed, the forwarder and the store.
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dispatcher := bus.NewChangeDispatcher(logger)
	if err := dispatcher.Register(realtime.NewMessageLogListener("messages", logger)); err != nil {
		return err
	}

	if cfg.Kafka.Enabled {
		fwd, err := forward.NewKafkaForwarder(forward.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer fwd.Close()
		if err := dispatcher.Register(fwd); err != nil {
			return err
		}
		logger.Info("kafka forwarding enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	var realtimeState func() string
	if conn := startRealtime(cfg.Realtime, dispatcher); conn != nil {
		defer conn.Close()
		realtimeState = func() string { return conn.State().String() }
	}

	var (
		wg   sync.WaitGroup
		errc = make(chan error, 1)
	)

	var runner api.ClusterRunner
	if cfg.Clustering.Enabled {
		classifier, err := cluster.NewClassifier(cfg.Classifier, logger)
		if err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
		sched := cluster.NewScheduler(st, classifier, cluster.SchedulerConfig{
			InitialDelay: cfg.Clustering.InitialDelay(),
			PollInterval: cfg.Clustering.PollInterval(),
			Logger:       logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
		runner = sched
	}

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Addr(), api.Deps{
			Store:         st,
			Runner:        runner,
			History:       dispatcher,
			RealtimeState: realtimeState,
			Logger:        logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx, shutdownTimeout); err != nil {
				logger.Error("api server failed", "err", err)
				errc <- fmt.Errorf("api server: %w", err)
				stop()
			}
		}()
	}

	logger.Info("qnasession running", "version", version, "listeners", dispatcher.Len())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// startRealtime connects the change feed when it is enabled and fully
// configured. A missing URL or key is logged and the feed is skipped; the
// rest of the process keeps running.
func startRealtime(rc config.RealtimeConfig, sink realtime.Sink) *realtime.Connection {
	if !rc.Enabled {
		logger.Info("realtime feed disabled")
		return nil
	}
	var missing []string
	if rc.ProjectURL == "" {
		missing = append(missing, "realtime.projectUrl (SUPABASE_URL)")
	}
	if rc.AnonKey == "" {
		missing = append(missing, "realtime.anonKey (SUPABASE_ANON_KEY)")
	}
	if len(missing) > 0 {
		logger.Error("realtime feed not started, missing configuration", "missing", strings.Join(missing, ", "))
		return nil
	}

	conn, err := realtime.NewConnection(realtime.Config{
		ProjectURL:        rc.ProjectURL,
		APIKey:            rc.AnonKey,
		Tables:            rc.Tables,
		ReconnectDelay:    rc.ReconnectDelay(),
		HandshakeTimeout:  rc.HandshakeTimeout(),
		HeartbeatInterval: rc.HeartbeatInterval(),
		Sink:              sink,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("realtime feed not started", "err", err)
		return nil
	}
	if err := conn.Start(); err != nil {
		logger.Error("realtime feed not started", "err", err)
		return nil
	}
	return conn
}
