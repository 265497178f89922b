package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
}

func TestHealthChecker_Aggregation(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("rpc", Degraded(PingHealthCheck("rpc", func(context.Context) error { return errors.New("down") })))
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	hc.AddCheck("db", PingHealthCheck("db", nil))
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
	if names := hc.CheckNames(); len(names) != 3 || names[0] != "db" {
		t.Fatalf("unexpected check names: %v", names)
	}
}

func TestHealthHandlerStatusCode(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("db", PingHealthCheck("db", nil))

	r := gin.New()
	r.GET("/health", hc.Handler())
	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	if res := DatabaseHealthCheck(db)(); res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", res)
	}

	mock.ExpectPing().WillReturnError(errors.New("conn refused"))
	if res := DatabaseHealthCheck(db)(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", res)
	}
}

func TestRedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	if res := RedisHealthCheck(client)(); res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", res)
	}

	mr.Close()
	if res := RedisHealthCheck(client)(); res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after shutdown, got %+v", res)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"JWT_SECRET": "x", "DATABASE_URL": ""})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", res)
	}
	res = ConfigurationHealthCheck(map[string]string{"JWT_SECRET": "x"})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
}
