package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/locator"
	"firestige.xyz/ostrace/internal/ostrace"
	"firestige.xyz/ostrace/internal/record"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDevices_Table(t *testing.T) {
	b := new(MockBackend)
	b.On("Devices", mock.Anything).Return([]locator.Device{
		{DeviceID: 3, UDID: "00008030-AAAA", ConnectionType: "USB", ProductID: 4776},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runDevices(context.Background(), b, "table", &buf))
	assert.Contains(t, buf.String(), "UDID")
	assert.Contains(t, buf.String(), "00008030-AAAA")
	assert.Contains(t, buf.String(), "USB")
	b.AssertExpectations(t)
}

func TestRunDevices_JSON(t *testing.T) {
	b := new(MockBackend)
	b.On("Devices", mock.Anything).Return([]locator.Device{{DeviceID: 3, UDID: "00008030-AAAA"}}, nil)

	var buf bytes.Buffer
	require.NoError(t, runDevices(context.Background(), b, "json", &buf))
	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestRunDevices_Error(t *testing.T) {
	b := new(MockBackend)
	b.On("Devices", mock.Anything).Return(nil, core.ErrServiceUnavailable)

	err := runDevices(context.Background(), b, "table", io.Discard)
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
}

func TestRunPidList_JSON(t *testing.T) {
	relay := new(MockRelay)
	relay.On("PidList", mock.Anything).Return(map[string]any{
		"Status": "RequestSuccessful",
		"Payload": map[string]any{
			"231": map[string]any{"ProcessName": "SpringBoard", "UUID": []byte{0xde, 0xad}},
		},
	}, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	var buf bytes.Buffer
	require.NoError(t, runPidList(context.Background(), b, "json", &buf))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	proc := got["Payload"].(map[string]any)["231"].(map[string]any)
	assert.Equal(t, "SpringBoard", proc["ProcessName"])
	assert.Equal(t, "dead", proc["UUID"])
	relay.AssertExpectations(t)
}

func TestRunPidList_YAML(t *testing.T) {
	relay := new(MockRelay)
	relay.On("PidList", mock.Anything).Return(map[string]any{"Status": "RequestSuccessful"}, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	var buf bytes.Buffer
	require.NoError(t, runPidList(context.Background(), b, "yaml", &buf))
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "RequestSuccessful", got["Status"])
}

func TestRunPidList_OpenFailure(t *testing.T) {
	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(nil, core.ErrDeviceNotFound)

	err := runPidList(context.Background(), b, "json", io.Discard)
	assert.ErrorIs(t, err, core.ErrDeviceNotFound)
}

func sampleRecord(msg string) *record.LogRecord {
	return &record.LogRecord{
		PID:       231,
		Timestamp: time.Unix(1700000000, 0),
		Level:     record.LevelInfo,
		ImageName: "SpringBoard",
		Message:   msg,
	}
}

func TestRunSyslog_DeliversAndSkips(t *testing.T) {
	stream := &scriptedStream{items: []item{
		{rec: sampleRecord("one")},
		{err: &record.UnknownLevelError{Value: 0x7f}},
		{rec: sampleRecord("two")},
	}}
	relay := new(MockRelay)
	relay.On("Syslog", mock.Anything, 231).Return(stream, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	out := &collectSink{}
	require.NoError(t, runSyslog(context.Background(), b, 231, out, quietLogger()))

	require.Len(t, out.records, 2)
	assert.Equal(t, "one", out.records[0].Message)
	assert.Equal(t, "two", out.records[1].Message)
	assert.True(t, stream.closed)
	relay.AssertExpectations(t)
}

func TestRunSyslog_FatalError(t *testing.T) {
	stream := &scriptedStream{
		items: []item{{rec: sampleRecord("one")}},
		fatal: ostrace.ErrBadMagic,
	}
	relay := new(MockRelay)
	relay.On("Syslog", mock.Anything, ostrace.AllProcesses).Return(stream, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	out := &collectSink{}
	err := runSyslog(context.Background(), b, ostrace.AllProcesses, out, quietLogger())
	assert.ErrorIs(t, err, ostrace.ErrBadMagic)
	assert.Len(t, out.records, 1)
}

func TestRunSyslog_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := &scriptedStream{fatal: context.Canceled}
	relay := new(MockRelay)
	relay.On("Syslog", mock.Anything, ostrace.AllProcesses).Return(stream, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	assert.NoError(t, runSyslog(ctx, b, ostrace.AllProcesses, &collectSink{}, quietLogger()))
}

func TestRunSyslog_StartFailure(t *testing.T) {
	relay := new(MockRelay)
	relay.On("Syslog", mock.Anything, ostrace.AllProcesses).Return(nil, core.ErrInvalidPayload)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	err := runSyslog(context.Background(), b, ostrace.AllProcesses, &collectSink{}, quietLogger())
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
	relay.AssertExpectations(t)
}

func TestRunArchive_Success(t *testing.T) {
	limit := int64(1 << 20)
	opts := ostrace.ArchiveOptions{SizeLimit: &limit}

	var archive bytes.Buffer
	relay := new(MockRelay)
	relay.On("CreateArchive", mock.Anything, &archive, opts).
		Return(ostrace.ArchiveResult{Chunks: 3, Bytes: 4096, State: ostrace.ArchiveDone}, nil)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	var status bytes.Buffer
	require.NoError(t, runArchive(context.Background(), b, opts, &archive, &status))
	assert.Contains(t, status.String(), "3 chunks, 4096 bytes")
	relay.AssertExpectations(t)
}

func TestRunArchive_Aborted(t *testing.T) {
	relay := new(MockRelay)
	relay.On("CreateArchive", mock.Anything, mock.Anything, mock.Anything).
		Return(ostrace.ArchiveResult{Chunks: 1, State: ostrace.ArchiveAborted}, ostrace.ErrArchiveAborted)
	relay.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenRelay", mock.Anything).Return(relay, nil)

	err := runArchive(context.Background(), b, ostrace.ArchiveOptions{}, io.Discard, io.Discard)
	require.ErrorIs(t, err, ostrace.ErrArchiveAborted)
	assert.Contains(t, err.Error(), "after 1 chunks")
}

func TestOptional(t *testing.T) {
	assert.Nil(t, optional(0))
	assert.Nil(t, optional(-5))
	require.NotNil(t, optional(60))
	assert.Equal(t, int64(60), *optional(60))
}

func TestRunCall(t *testing.T) {
	req := map[string]any{"Request": "PidList"}
	svc := new(MockService)
	svc.On("SendRecvValue", req).Return(map[string]any{"Status": "RequestSuccessful"}, nil)
	svc.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenService", mock.Anything, "com.apple.os_trace_relay", codec.Binary).Return(svc, nil)

	var buf bytes.Buffer
	require.NoError(t, runCall(context.Background(), b, "com.apple.os_trace_relay", codec.Binary, req, "xml", &buf))

	reply, err := codec.Decode(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Status": "RequestSuccessful"}, reply)
	svc.AssertExpectations(t)
}

func TestRunCall_Error(t *testing.T) {
	svc := new(MockService)
	svc.On("SendRecvValue", mock.Anything).Return(nil, core.ErrConnectionClosed)
	svc.On("Close").Return(nil)

	b := new(MockBackend)
	b.On("OpenService", mock.Anything, "svc", codec.XML).Return(svc, nil)

	err := runCall(context.Background(), b, "svc", codec.XML, map[string]any{}, "json", io.Discard)
	assert.ErrorIs(t, err, core.ErrConnectionClosed)
}

func TestWriteValue_Unsupported(t *testing.T) {
	assert.Error(t, writeValue(io.Discard, map[string]any{}, "toml"))
}

func TestPrintable(t *testing.T) {
	in := map[string]any{
		"blob":  []byte{0x01, 0xff},
		"list":  []any{[]byte{0x0a}, "x"},
		"count": uint64(3),
	}
	assert.Equal(t, map[string]any{
		"blob":  "01ff",
		"list":  []any{"0a", "x"},
		"count": uint64(3),
	}, printable(in))
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
ostrace:
  locator:
    services:
      - name: com.apple.os_trace_relay
        port: 62078
`), 0644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(good, &buf))
	assert.Contains(t, buf.String(), `VALID: locator "usbmux", 1 service(s), 1 sink(s)`)
	assert.Contains(t, buf.String(), "wait_timeout: 30s")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("ostrace:\n  log:\n    level: loud\n"), 0644))

	err := runValidate(bad, io.Discard)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
	assert.Contains(t, err.Error(), "INVALID")
}
