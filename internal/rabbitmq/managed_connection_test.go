package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, broker *fakeBroker, hosts ...string) *ManagedConnection {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"rabbit-1"}
	}
	mc := NewManagedConnection(newTestPool(t, broker, hosts...), nil)
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestManagedConnectionAddConsumer(t *testing.T) {
	t.Run("first consumer connects synchronously", func(t *testing.T) {
		broker := newFakeBroker()
		mc := newTestConnection(t, broker)

		rec := &recordingConsumer{}
		reg, err := mc.AddConsumer(connRecorder{rec})
		require.NoError(t, err)

		assert.Equal(t, []string{"consume"}, rec.Events())
		assert.True(t, reg.IsConnected())
		assert.Equal(t, 1, broker.connectionCount())
	})

	t.Run("later consumers share the open connection", func(t *testing.T) {
		broker := newFakeBroker()
		mc := newTestConnection(t, broker)

		first, second := &recordingConsumer{}, &recordingConsumer{}
		_, err := mc.AddConsumer(connRecorder{first})
		require.NoError(t, err)
		_, err = mc.AddConsumer(connRecorder{second})
		require.NoError(t, err)

		assert.Same(t, first.lastConn(), second.lastConn())
		assert.Equal(t, 1, broker.connectionCount())
		assert.Equal(t, 2, mc.ConsumerCount())
	})

	t.Run("consumers wait for the reconnection worker after a failed connect", func(t *testing.T) {
		broker := newFakeBroker()
		broker.setDown("rabbit-1", true)
		mc := newTestConnection(t, broker)

		first, second := &recordingConsumer{}, &recordingConsumer{}
		reg, err := mc.AddConsumer(connRecorder{first})
		require.NoError(t, err)
		_, err = mc.AddConsumer(connRecorder{second})
		require.NoError(t, err)

		assert.Empty(t, first.Events())
		assert.False(t, reg.IsConnected())

		broker.setDown("rabbit-1", false)
		eventually(t, func() bool { return len(second.Events()) == 1 })

		assert.Equal(t, []string{"consume"}, first.Events())
		assert.Equal(t, []string{"consume"}, second.Events())
		assert.Same(t, first.lastConn(), second.lastConn())
		assert.True(t, reg.IsConnected())
	})

	t.Run("fails after close", func(t *testing.T) {
		mc := newTestConnection(t, newFakeBroker())
		require.NoError(t, mc.Close())

		_, err := mc.AddConsumer(connRecorder{&recordingConsumer{}})
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestManagedConnectionRecovery(t *testing.T) {
	t.Run("notifies closed then reloaded with a new connection", func(t *testing.T) {
		broker := newFakeBroker()
		mc := newTestConnection(t, broker)

		rec := &recordingConsumer{}
		_, err := mc.AddConsumer(connRecorder{rec})
		require.NoError(t, err)
		original := rec.lastConn()

		broker.lastConnection().fail()
		eventually(t, func() bool { return len(rec.Events()) == 3 })

		assert.Equal(t, []string{"consume", "closed", "reloaded:false"}, rec.Events())
		assert.NotSame(t, original, rec.lastConn())
		assert.True(t, mc.IsConnected())
	})

	t.Run("a panicking consumer does not stop the others", func(t *testing.T) {
		broker := newFakeBroker()
		mc := newTestConnection(t, broker)

		faulty := &recordingConsumer{panics: true}
		healthy := &recordingConsumer{}
		_, err := mc.AddConsumer(connRecorder{faulty})
		require.NoError(t, err)
		_, err = mc.AddConsumer(connRecorder{healthy})
		require.NoError(t, err)

		broker.lastConnection().fail()
		eventually(t, func() bool { return len(healthy.Events()) == 3 })

		assert.Equal(t, []string{"consume", "closed", "reloaded:false"}, faulty.Events())
		assert.Equal(t, []string{"consume", "closed", "reloaded:false"}, healthy.Events())
	})

	t.Run("released consumers are no longer notified", func(t *testing.T) {
		broker := newFakeBroker()
		mc := newTestConnection(t, broker)

		released, kept := &recordingConsumer{}, &recordingConsumer{}
		reg, err := mc.AddConsumer(connRecorder{released})
		require.NoError(t, err)
		_, err = mc.AddConsumer(connRecorder{kept})
		require.NoError(t, err)

		reg.Release()
		reg.Release()
		assert.Equal(t, 1, mc.ConsumerCount())

		broker.lastConnection().fail()
		eventually(t, func() bool { return len(kept.Events()) == 3 })
		assert.Equal(t, []string{"consume"}, released.Events())
		// releasing does not close the shared connection
		assert.Equal(t, 2, broker.connectionCount())
	})
}

func TestManagedConnectionClose(t *testing.T) {
	broker := newFakeBroker()
	mc := newTestConnection(t, broker)

	rec := &recordingConsumer{}
	_, err := mc.AddConsumer(connRecorder{rec})
	require.NoError(t, err)
	conn := broker.lastConnection()

	require.NoError(t, mc.Close())
	require.NoError(t, mc.Close())

	assert.Equal(t, []string{"consume", "disposing"}, rec.Events())
	assert.True(t, conn.IsClosed())
	assert.False(t, mc.IsConnected())
	_, err = mc.Connection()
	assert.ErrorIs(t, err, ErrConnectionNotReady)
}
