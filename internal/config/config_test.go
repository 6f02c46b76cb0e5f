package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"USER_SERVICE_URL":    "http://users:8081/",
		"PRODUCT_SERVICE_URL": "http://products:8082",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(WithoutSystemEnv(), WithEnvMap(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "http://users:8081", cfg.Gateway.UsersBaseURL)
	assert.Equal(t, "orders", cfg.Tables.Orders)
	assert.Equal(t, "order_intents", cfg.Tables.Intents)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, PolicyBestEffort, cfg.Saga.CompensationPolicy)
	assert.Equal(t, "OrderFulfillment", cfg.Metrics.Namespace)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, time.Minute, cfg.Idempotency.InProgressTimeout)
	assert.False(t, cfg.Server.RunLocal)
	assert.Equal(t, WorkerModeQueue, cfg.Worker.Mode)
}

func TestLoad_Overrides(t *testing.T) {
	env := baseEnv()
	env["RUN_LOCAL"] = "yes"
	env["GATEWAY_TIMEOUT"] = "750ms"
	env["COMPENSATION_POLICY"] = "STRICT"
	env["MAX_RELEASE_ATTEMPTS"] = "9"
	env["REDIS_ADDR"] = "localhost:6379"
	env["WORKER_MODE"] = "Sweep"
	env["IDEMPOTENCY_IN_PROGRESS_TIMEOUT"] = "90s"

	cfg, err := Load(WithoutSystemEnv(), WithEnvMap(env))
	require.NoError(t, err)

	assert.True(t, cfg.Server.RunLocal)
	assert.Equal(t, 750*time.Millisecond, cfg.Gateway.Timeout)
	assert.Equal(t, PolicyStrict, cfg.Saga.CompensationPolicy)
	assert.Equal(t, 90*time.Second, cfg.Idempotency.InProgressTimeout)
	assert.Equal(t, 9, cfg.Saga.MaxReleaseAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, WorkerModeSweep, cfg.Worker.Mode)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	env := baseEnv()
	env["GATEWAY_TIMEOUT"] = "soon"
	env["GATEWAY_MAX_RETRIES"] = "many"

	cfg, err := Load(WithoutSystemEnv(), WithEnvMap(env))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 2, cfg.Gateway.MaxRetries)
}

func TestLoad_ValidationError(t *testing.T) {
	_, err := Load(WithoutSystemEnv(), WithEnvMap(map[string]string{
		"COMPENSATION_POLICY": "yolo",
	}))
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{
		"Gateway.UsersBaseURL",
		"Gateway.ProductsBaseURL",
		"Saga.CompensationPolicy",
	}, verr.Fields())
}

func TestLoad_SystemEnv(t *testing.T) {
	t.Setenv("USER_SERVICE_URL", "http://u")
	t.Setenv("PRODUCT_SERVICE_URL", "http://p")
	t.Setenv("ORDERS_TABLE", "orders-dev")

	cfg, err := Load(WithEnvMap(map[string]string{"ORDERS_TABLE": "orders-test"}))
	require.NoError(t, err)
	assert.Equal(t, "http://u", cfg.Gateway.UsersBaseURL)
	assert.Equal(t, "orders-test", cfg.Tables.Orders)
}
