// internal/mirror/mirror_test.go
package mirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	connected bool
	msgs      []published
	drained   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublishTelemetry_SubjectAndBody(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, Config{Prefix: "site1", GatewayID: "gw-1"})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.PublishTelemetry(context.Background(), telemetry.Snapshot{
		Timestamp: at,
		LevelCM:   45.0625,
		HighLevel: true,
	}))

	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "site1.telemetry", fc.msgs[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &body))
	assert.Equal(t, "gw-1", body["gateway_id"])
	assert.Equal(t, 45.06, body["level_cm"])
	assert.Equal(t, true, body["high_level"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["ts"])
}

func TestPublishStatus_DegradedCarriesSince(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, Config{})

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := status.Summary{LastUpdate: since}.Degraded(10054, since)
	require.NoError(t, p.PublishStatus(context.Background(), sum))

	require.Len(t, fc.msgs, 1)
	assert.Equal(t, "plcgw.status", fc.msgs[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &body))
	assert.Equal(t, "error", body["health"])
	assert.Equal(t, float64(10054), body["last_error_code"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["disconnected_since"])
}

func TestPublish_NotConnected(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, Config{})

	err := p.PublishEvent(context.Background(), store.Event{Type: "PLC_CONNECTED"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, fc.msgs)
}

func TestClose_Drains(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, Config{})
	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}
