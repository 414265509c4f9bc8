package api

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"qnasession/internal/cluster"
)

// blockingRunner holds RunOnce until release is closed.
type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRunner) RunOnce(context.Context) (cluster.Report, error) {
	close(b.entered)
	<-b.release
	return cluster.Report{MessagesAssigned: 1}, nil
}

func TestServer_ShutdownDrainsInFlightRequests(t *testing.T) {
	runner := &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer("127.0.0.1:0", Deps{Store: newTestStore(t), Runner: runner, Logger: testLogger()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln, 5*time.Second) }()

	respc := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/cluster/run", "application/json", nil)
		if err != nil {
			t.Errorf("POST /cluster/run: %v", err)
			respc <- nil
			return
		}
		respc <- resp
	}()

	select {
	case <-runner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the runner")
	}
	cancel()

	select {
	case err := <-served:
		t.Fatalf("Serve returned with a request in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)
	if resp := <-respc; resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("in-flight request status = %d", resp.StatusCode)
		}
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the request finished")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), Deps{Store: newTestStore(t), Logger: testLogger()})
	if err := srv.Start(context.Background(), time.Second); err == nil {
		t.Error("expected listen error on a busy port")
	}
}
