package valet

import (
	"context"
	"encoding/json"
	"net"
	"testing"
)

// freePort asks the kernel for an unused localhost port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startRPC(t *testing.T, core *ServiceCore) *RPCClient {
	t.Helper()
	port := freePort(t)
	srv := NewRPCServer(core, port)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return NewRPCClient(port)
}

func TestRPCRoundTrip(t *testing.T) {
	core, _ := startedCore(t, "svc")
	core.Handle("greet", func(_ context.Context, args json.RawMessage) (any, error) {
		var name string
		if err := json.Unmarshal(args, &name); err != nil {
			return nil, Errorf(KindValidation, "svc.greet", "bad args")
		}
		return "hello " + name, nil
	})
	client := startRPC(t, core)

	data, err := client.Call(context.Background(), "greet", json.RawMessage(`"anna"`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "hello anna" {
		t.Errorf("got %q", got)
	}
}

func TestRPCErrorKindRoundTrip(t *testing.T) {
	core, _ := startedCore(t, "svc")
	core.Handle("find", func(context.Context, json.RawMessage) (any, error) {
		return nil, Errorf(KindNotFound, "svc.find", "no such thing")
	})
	client := startRPC(t, core)

	_, err := client.Call(context.Background(), "find", nil)
	if !IsNotFound(err) {
		t.Errorf("got %v, want not_found across the wire", err)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	core, _ := startedCore(t, "svc")
	client := startRPC(t, core)

	if _, err := client.Call(context.Background(), "nope", nil); !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestRPCServerDown(t *testing.T) {
	client := NewRPCClient(freePort(t)) // nothing listening

	_, err := client.Call(context.Background(), "healthcheck", nil)
	if KindOf(err) != KindTransient {
		t.Errorf("got %v, want transient", err)
	}
}

func TestRPCHealthcheckOverWire(t *testing.T) {
	core, _ := startedCore(t, "memory")
	client := startRPC(t, core)

	data, err := client.Call(context.Background(), "healthcheck", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["service"] != "memory" {
		t.Errorf("got %v", got)
	}
}
