// internal/plc/modbus/link_test.go
package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/plc-cloud-gateway/internal/plc"
)

// ---- fake modbus client ----

type call struct {
	fn   string
	addr uint16
	qty  uint16
	data []byte
}

type fakeClient struct {
	calls []call
	resp  []byte
	err   error
}

func (f *fakeClient) record(fn string, addr, qty uint16, data []byte) ([]byte, error) {
	f.calls = append(f.calls, call{fn: fn, addr: addr, qty: qty, data: append([]byte(nil), data...)})
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) ReadCoils(a, q uint16) ([]byte, error) { return f.record("coils", a, q, nil) }
func (f *fakeClient) ReadDiscreteInputs(a, q uint16) ([]byte, error) {
	return f.record("inputs", a, q, nil)
}
func (f *fakeClient) ReadHoldingRegisters(a, q uint16) ([]byte, error) {
	return f.record("holding", a, q, nil)
}
func (f *fakeClient) WriteMultipleCoils(a, q uint16, v []byte) ([]byte, error) {
	return f.record("write_coils", a, q, v)
}
func (f *fakeClient) WriteMultipleRegisters(a, q uint16, v []byte) ([]byte, error) {
	return f.record("write_holding", a, q, v)
}

func connected(t *testing.T, cfg Config, fake *fakeClient) *Link {
	t.Helper()
	l := New(cfg)
	l.dial = func(ep plc.Endpoint, _ time.Duration) (client, func() error, error) {
		return fake, func() error { return nil }, nil
	}
	require.NoError(t, l.Connect(context.Background(), plc.Endpoint{Address: "127.0.0.1:502", Slot: 1}))
	return l
}

// ---- tests ----

func TestReadMerkerAlignedAndOdd(t *testing.T) {
	fake := &fakeClient{resp: []byte{1, 2, 3, 4, 5, 6}}
	l := connected(t, Config{MerkerBase: 100}, fake)

	got, err := l.ReadRegion(context.Background(), plc.Merker, 14, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, call{fn: "holding", addr: 107, qty: 3, data: []byte{}}, normalize(fake.calls[0]))

	// odd start covers one extra register and slices it away
	got, err = l.ReadRegion(context.Background(), plc.Merker, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, got)
	assert.Equal(t, uint16(101), fake.calls[1].addr)
	assert.Equal(t, uint16(2), fake.calls[1].qty)
}

func TestReadBitsMapping(t *testing.T) {
	fake := &fakeClient{resp: []byte{0x18}}
	l := connected(t, Config{InputBase: 0, OutputBase: 8}, fake)

	got, err := l.ReadRegion(context.Background(), plc.Input, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x18}, got)
	assert.Equal(t, "inputs", fake.calls[0].fn)
	assert.Equal(t, uint16(8), fake.calls[0].qty)

	_, err = l.ReadRegion(context.Background(), plc.Output, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "coils", fake.calls[1].fn)
	assert.Equal(t, uint16(16), fake.calls[1].addr) // 8 + 1*8
}

func TestWriteMerker(t *testing.T) {
	fake := &fakeClient{}
	l := connected(t, Config{}, fake)

	require.NoError(t, l.WriteRegion(context.Background(), plc.Merker, 14, []byte{0x02, 0, 0, 0, 0, 62}))
	assert.Equal(t, "write_holding", fake.calls[0].fn)
	assert.Equal(t, uint16(7), fake.calls[0].addr)
	assert.Equal(t, uint16(3), fake.calls[0].qty)

	err := l.WriteRegion(context.Background(), plc.Merker, 15, []byte{1, 2})
	assert.ErrorIs(t, err, plc.ErrMisaligned)

	err = l.WriteRegion(context.Background(), plc.Input, 0, []byte{1})
	assert.ErrorIs(t, err, plc.ErrReadOnlyRegion)
}

func TestErrorsAreLinkErrors(t *testing.T) {
	fake := &fakeClient{err: errors.New("broken pipe")}
	l := connected(t, Config{}, fake)

	_, err := l.ReadRegion(context.Background(), plc.Merker, 0, 20)
	require.Error(t, err)
	assert.True(t, plc.IsLinkError(err))

	require.NoError(t, l.Disconnect())
	_, err = l.ReadRegion(context.Background(), plc.Merker, 0, 20)
	assert.ErrorIs(t, err, plc.ErrNotConnected)
}

func TestConnectRejectsRack(t *testing.T) {
	l := New(Config{})
	err := l.Connect(context.Background(), plc.Endpoint{Address: "x:502", Rack: 1, Slot: 1})
	require.Error(t, err)
	assert.True(t, plc.IsLinkError(err))
}

func TestShortRead(t *testing.T) {
	fake := &fakeClient{resp: []byte{1}}
	l := connected(t, Config{}, fake)

	_, err := l.ReadRegion(context.Background(), plc.Merker, 0, 4)
	require.Error(t, err)
}

func normalize(c call) call {
	if c.data == nil {
		c.data = []byte{}
	}
	return c
}
