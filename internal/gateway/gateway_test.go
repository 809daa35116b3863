package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valetd/valet"
)

// fakeCaller records the last forwarded call and returns canned results.
type fakeCaller struct {
	serviceID string
	method    string
	args      json.RawMessage

	data json.RawMessage
	err  error
}

func (f *fakeCaller) CallService(_ context.Context, serviceID, method string, args json.RawMessage) (json.RawMessage, error) {
	f.serviceID = serviceID
	f.method = method
	f.args = args
	return f.data, f.err
}

func (f *fakeCaller) Statuses() map[string]valet.ServiceStatus {
	return map[string]valet.ServiceStatus{
		"planner": {Running: true, Healthy: true},
	}
}

var _ Caller = (*fakeCaller)(nil)

func serve(t *testing.T, caller Caller, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	g := New("127.0.0.1:0", caller)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.routes().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return rec, env
}

func TestGatewayChatForwardsBody(t *testing.T) {
	caller := &fakeCaller{data: json.RawMessage(`{"content":"hi back"}`)}
	rec, env := serve(t, caller, http.MethodPost, "/v1/chat", `{"user_id":"u1","content":"hi"}`)

	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("got status %d, envelope %+v", rec.Code, env)
	}
	if caller.serviceID != "planner" || caller.method != "handle_message" {
		t.Errorf("forwarded to %s.%s", caller.serviceID, caller.method)
	}
	if string(caller.args) != `{"user_id":"u1","content":"hi"}` {
		t.Errorf("args %s", caller.args)
	}
	if string(env.Data) != `{"content":"hi back"}` {
		t.Errorf("data %s", env.Data)
	}
}

func TestGatewayErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind valet.ErrorKind
		want int
	}{
		{valet.KindValidation, http.StatusBadRequest},
		{valet.KindNotFound, http.StatusNotFound},
		{valet.KindConflict, http.StatusConflict},
		{valet.KindDisabled, http.StatusConflict},
		{valet.KindTimeout, http.StatusRequestTimeout},
		{valet.KindTransient, http.StatusServiceUnavailable},
		{valet.KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		caller := &fakeCaller{err: valet.Errorf(c.kind, "svc.op", "boom")}
		rec, env := serve(t, caller, http.MethodPost, "/v1/chat", `{}`)
		if rec.Code != c.want {
			t.Errorf("kind %s: got status %d, want %d", c.kind, rec.Code, c.want)
		}
		if env.OK || env.Error == "" {
			t.Errorf("kind %s: envelope %+v", c.kind, env)
		}
	}
}

func TestGatewayInvalidBody(t *testing.T) {
	caller := &fakeCaller{}
	rec, env := serve(t, caller, http.MethodPost, "/v1/chat", `{broken`)

	if rec.Code != http.StatusBadRequest || env.OK {
		t.Errorf("got status %d, envelope %+v", rec.Code, env)
	}
	if caller.method != "" {
		t.Error("malformed body must not be forwarded")
	}
}

func TestGatewayPathParamMergedIntoBody(t *testing.T) {
	caller := &fakeCaller{data: json.RawMessage(`{}`)}
	_, env := serve(t, caller, http.MethodPatch, "/v1/memories/mem-123", `{"title":"new title","id":"spoofed"}`)
	if !env.OK {
		t.Fatalf("envelope %+v", env)
	}
	if caller.serviceID != "memory" || caller.method != "update" {
		t.Errorf("forwarded to %s.%s", caller.serviceID, caller.method)
	}

	var args map[string]json.RawMessage
	if err := json.Unmarshal(caller.args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	// The path parameter wins over a conflicting body field.
	if string(args["id"]) != `"mem-123"` {
		t.Errorf("id arg %s", args["id"])
	}
	if string(args["title"]) != `"new title"` {
		t.Errorf("title arg %s", args["title"])
	}
}

func TestGatewayQueryArgs(t *testing.T) {
	caller := &fakeCaller{data: json.RawMessage(`[]`)}
	_, env := serve(t, caller, http.MethodGet, "/v1/memories?user_id=u1&limit=5", "")
	if !env.OK {
		t.Fatalf("envelope %+v", env)
	}

	var args map[string]json.RawMessage
	if err := json.Unmarshal(caller.args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if string(args["user_id"]) != `"u1"` {
		t.Errorf("user_id arg %s", args["user_id"])
	}
	// limit travels as a number, not a string.
	if string(args["limit"]) != `5` {
		t.Errorf("limit arg %s", args["limit"])
	}
}

func TestGatewayToolExecuteRoute(t *testing.T) {
	caller := &fakeCaller{data: json.RawMessage(`{"ok":true}`)}
	_, env := serve(t, caller, http.MethodPost, "/v1/tools/echo/execute", `{"args":{"text":"hi"}}`)
	if !env.OK {
		t.Fatalf("envelope %+v", env)
	}
	if caller.serviceID != "toolbox" || caller.method != "execute" {
		t.Errorf("forwarded to %s.%s", caller.serviceID, caller.method)
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(caller.args, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if string(args["name"]) != `"echo"` {
		t.Errorf("name arg %s", args["name"])
	}
}

func TestGatewayStatus(t *testing.T) {
	rec, env := serve(t, &fakeCaller{}, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("got status %d, envelope %+v", rec.Code, env)
	}
	var statuses map[string]valet.ServiceStatus
	if err := json.Unmarshal(env.Data, &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st := statuses["planner"]; !st.Running || !st.Healthy {
		t.Errorf("got %+v", st)
	}
}
