package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/storage/grpccas"
)

func TestRun_ListBackends(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--list-backends"}, &out, &errOut); code != 0 {
		t.Fatalf("code %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "localfs") {
		t.Fatalf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "grpc\t") {
		t.Fatalf("grpc client backend listed for daemon use: %q", out.String())
	}
}

func TestRun_UnknownBackend(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"--backend", "nope"}, &out, &errOut); code != 2 {
		t.Fatalf("code %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown backend") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

func TestRun_ServesLocalFS(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	var out, errOut bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"--listen", addr, "--backend", "localfs", "--localfs-dir", t.TempDir()}, &out, &errOut)
	}()

	client, err := grpccas.Dial(addr, grpccas.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var (
		id     cid.Cid
		putErr error
	)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		id, putErr = client.Put(context.Background(), []byte("weights"))
		if putErr == nil {
			got, err := client.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "weights" {
				t.Fatalf("Get = %q", got)
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if putErr != nil {
		t.Fatalf("Put never succeeded: %v", putErr)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code %d: %s", code, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
