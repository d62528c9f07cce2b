package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

type fakeConsul struct {
	mu           sync.Mutex
	registered   *api.AgentServiceRegistration
	deregistered string
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/status/leader":
		_ = json.NewEncoder(w).Encode("127.0.0.1:8300")
	case r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.registered = &reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		f.deregistered = strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
	default:
		http.NotFound(w, r)
	}
}

func TestServiceManagerRegisters(t *testing.T) {
	fake := &fakeConsul{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	svc := &ServiceConfig{
		ID:      GenerateServiceID("chat-service", "10.0.0.5", 9090),
		Name:    "chat-service",
		Tags:    []string{"chat-service", "v1"},
		Address: "10.0.0.5",
		Port:    9090,
		HealthCheck: &HealthCheck{
			GRPC:                           "10.0.0.5:9090",
			Interval:                       10 * time.Second,
			Timeout:                        3 * time.Second,
			DeregisterCriticalServiceAfter: time.Minute,
		},
	}
	mgr, err := NewServiceManager(&ConsulConfig{Address: strings.TrimPrefix(srv.URL, "http://")}, svc, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	mgr.Stop()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.registered == nil || fake.registered.ID != "chat-service-10.0.0.5-9090" {
		t.Fatalf("unexpected registration %+v", fake.registered)
	}
	if fake.registered.Check == nil || fake.registered.Check.GRPC != "10.0.0.5:9090" || fake.registered.Check.Interval != "10s" {
		t.Fatalf("unexpected check %+v", fake.registered.Check)
	}
	if fake.deregistered != "chat-service-10.0.0.5-9090" {
		t.Fatalf("deregistered %q", fake.deregistered)
	}
}

func TestNewConsulRegistryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	if _, err := NewConsulRegistry(&ConsulConfig{Address: strings.TrimPrefix(srv.URL, "http://")}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unreachable consul")
	}
}
