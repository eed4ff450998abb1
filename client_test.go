package rabbitkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/health"
)

type mockDecrypter struct {
	mock.Mock
}

func (m *mockDecrypter) Decrypt(value string) (string, error) {
	args := m.Called(value)
	return args.String(0), args.Error(1)
}

func dialerFunc(dial func(Node) error) Dialer {
	return DialerFunc(func(node Node) (Connection, error) {
		return nil, dial(node)
	})
}

// offlineDialer never connects, so clients under test stay offline
func offlineDialer() Dialer {
	return dialerFunc(func(Node) error { return errors.New("connection refused") })
}

func testConfig() *config.Config {
	cfg := config.New().AddCluster("orders", "HostName=rabbit-1;Password=secret")
	cluster := cfg.Clusters["orders"]
	cluster.RetryConnectionDelay = time.Hour
	cfg.Clusters["orders"] = cluster
	return cfg
}

func newOfflineClient(t *testing.T, options ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(testConfig(), append([]ClientOption{WithDialer(offlineDialer())}, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		_, err := NewClient(config.New())
		assert.ErrorIs(t, err, config.ErrInvalid)
		assert.True(t, IsConfigurationError(err))

		_, err = NewClient(nil)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("opens nothing until a cluster is used", func(t *testing.T) {
		var dials int
		client, err := NewClient(testConfig(), WithDialer(dialerFunc(func(Node) error {
			dials++
			return errors.New("connection refused")
		})))
		require.NoError(t, err)
		defer client.Close(context.Background())

		assert.Equal(t, []string{"orders"}, client.Clusters())
		assert.Zero(t, dials)
	})

	t.Run("loads a yaml file", func(t *testing.T) {
		t.Setenv("RABBIT_HOST", "rabbit-from-env")
		path := filepath.Join(t.TempDir(), "rabbitkit.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
connection_strings:
  primary: "HostName=${RABBIT_HOST};UserName=app"
clusters:
  orders:
    connection_string_names: [primary]
    pool_max_size: 3
`), 0o600))

		client, err := NewClientFromFile(path, WithDialer(offlineDialer()))
		require.NoError(t, err)
		defer client.Close(context.Background())

		manager, err := client.ChannelManager("orders")
		require.NoError(t, err)
		assert.Equal(t, 3, manager.Pool().Stats().MaxSize)
		assert.Equal(t, "rabbit-from-env", manager.Connection().Pool().Nodes()[0].Host)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewClientFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestClientDecryptsConnectionStrings(t *testing.T) {
	decrypter := &mockDecrypter{}
	decrypter.On("Decrypt", "HostName=rabbit-1;Password=secret").
		Return("HostName=decrypted-host", nil).Once()

	client := newOfflineClient(t, WithDecrypter(decrypter))

	manager, err := client.ChannelManager("orders")
	require.NoError(t, err)
	_, err = client.ChannelManager("orders")
	require.NoError(t, err)

	assert.Equal(t, "decrypted-host", manager.Connection().Pool().Nodes()[0].Host)
	decrypter.AssertExpectations(t)
}

func TestClientPublishersAndReceivers(t *testing.T) {
	t.Run("strategy restrictions", func(t *testing.T) {
		client := newOfflineClient(t)

		_, err := client.NewPublisher(context.Background(), "orders", Shared, QueueChannel("orders"))
		assert.ErrorIs(t, err, ErrInvalidStrategy)

		_, err = client.NewReceiver("orders", Pooled, QueueChannel("orders"))
		assert.ErrorIs(t, err, ErrInvalidStrategy)
	})

	t.Run("unknown cluster", func(t *testing.T) {
		client := newOfflineClient(t)

		_, err := client.NewReceiver("billing", Exclusive, QueueChannel("orders"))
		assert.ErrorIs(t, err, ErrUnknownCluster)
	})

	t.Run("publishing while the broker is unreachable fails fast", func(t *testing.T) {
		client := newOfflineClient(t)

		publisher, err := client.NewPublisher(context.Background(), "orders", Exclusive, QueueChannel("orders"))
		require.NoError(t, err)
		defer publisher.Close()

		err = publisher.Publish(context.Background(), Message{Body: []byte("lost")})
		assert.ErrorIs(t, err, ErrChannelNotOpen)
	})

	t.Run("closed client refuses new clusters", func(t *testing.T) {
		client := newOfflineClient(t)
		require.NoError(t, client.Close(context.Background()))

		_, err := client.ChannelManager("orders")
		assert.ErrorIs(t, err, ErrRegistryClosed)
	})
}

func TestClientHealth(t *testing.T) {
	client := newOfflineClient(t)

	report := client.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)

	receiver, err := client.NewReceiver("orders", Exclusive, QueueChannel("orders"))
	require.NoError(t, err)
	defer receiver.Close()

	client.HealthChecks().Register(health.NewCheckerFunc("custom", func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	}))

	report = client.Health(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Equal(t, []string{"channel_pool_orders", "cluster_orders", "custom"}, report.Names())
	assert.Equal(t, health.StatusUnhealthy, report.Checks["cluster_orders"].Status)
	assert.Equal(t, health.StatusHealthy, report.Checks["channel_pool_orders"].Status)
}

func TestClientHealthHandler(t *testing.T) {
	client := newOfflineClient(t)
	handler := client.HealthHandler(time.Second)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	receiver, err := client.NewReceiver("orders", Exclusive, QueueChannel("orders"))
	require.NoError(t, err)
	defer receiver.Close()

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report.Checks, "cluster_orders")
}
