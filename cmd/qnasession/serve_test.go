package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"qnasession/internal/config"
	"qnasession/internal/domain"
	"qnasession/internal/store"
)

func TestRunServe_DefaultConfigKeepsClustering(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "serve.db")
	cfg.API.Enabled = false
	cfg.Clustering.InitialDelayMs = 10
	cfg.Clustering.PollIntervalMs = 50
	if !cfg.Realtime.Enabled || cfg.Realtime.ProjectURL != "" {
		t.Fatalf("defaults changed: realtime = %+v", cfg.Realtime)
	}

	seed, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer seed.Close()
	msg := &domain.Message{RoomID: "r1", Content: "How do I reset my password?"}
	if err := seed.SaveMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- runServe(ctx, cfg) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-errc:
			t.Fatalf("serve exited before clustering ran: %v", err)
		default:
		}
		got, err := seed.GetMessage(context.Background(), msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil && !got.Pending() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message was never clustered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("runServe = %v", err)
		}
	case <-time.After(shutdownTimeout):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServe_APIListenFailureIsReturned(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "serve.db")
	cfg.Realtime.Enabled = false
	cfg.Clustering.Enabled = false
	cfg.API.Host = "256.0.0.1" // not a valid address

	errc := make(chan error, 1)
	go func() { errc <- runServe(context.Background(), cfg) }()
	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected the listen error to be returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe kept running after the API failed to start")
	}
}
