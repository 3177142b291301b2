package ostrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/record"
	"firestige.xyz/ostrace/internal/session"
)

// peer scripts the device side of a relay connection.
type peer struct {
	t    *testing.T
	conn net.Conn
}

func newService(t *testing.T) (*Service, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	svc := New(session.New(local))
	t.Cleanup(func() {
		remote.Close()
		svc.Close()
	})
	return svc, &peer{t: t, conn: remote}
}

func (p *peer) readRequest() map[string]any {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(p.conn, hdr); err != nil {
		p.t.Errorf("peer read header: %v", err)
		return nil
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr))
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		p.t.Errorf("peer read payload: %v", err)
		return nil
	}
	v, err := codec.Decode(payload)
	if err != nil {
		p.t.Errorf("peer decode: %v", err)
		return nil
	}
	return v.(map[string]any)
}

func (p *peer) write(b []byte) {
	if _, err := p.conn.Write(b); err != nil {
		p.t.Errorf("peer write: %v", err)
	}
}

func (p *peer) plist(v any) []byte {
	payload, err := codec.Encode(v, codec.Binary)
	if err != nil {
		p.t.Errorf("peer encode: %v", err)
	}
	return payload
}

func (p *peer) writeBEFrame(payload []byte) {
	p.write(append(binary.BigEndian.AppendUint32(nil, uint32(len(payload))), payload...))
}

func (p *peer) writeChunk(magic byte, payload []byte) {
	msg := []byte{magic}
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(payload)))
	p.write(append(msg, payload...))
}

// writeActivityResponse sends a StartActivity reply whose length is encoded
// in width little-endian bytes.
func (p *peer) writeActivityResponse(v any, width int) {
	payload := p.plist(v)
	msg := binary.LittleEndian.AppendUint32(nil, uint32(width))
	for i := 0; i < width; i++ {
		msg = append(msg, byte(uint64(len(payload))>>(8*i)))
	}
	p.write(append(msg, payload...))
}

var success = map[string]any{"Status": "RequestSuccessful"}

// buildRecord assembles a minimal syslog record.
func buildRecord(pid uint32, level byte, message string) []byte {
	buf := make([]byte, 9)
	buf = binary.LittleEndian.AppendUint32(buf, pid)
	buf = append(buf, make([]byte, 42)...)
	buf = binary.LittleEndian.AppendUint32(buf, 1700000000)
	buf = append(buf, make([]byte, 4)...)
	buf = binary.LittleEndian.AppendUint32(buf, 500)
	buf = append(buf, 0, level)
	buf = append(buf, make([]byte, 38)...)
	image := "kernel\x00"
	msg := message + "\x00"
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(image)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(msg)))
	buf = append(buf, make([]byte, 6+4+4+4)...)
	buf = append(buf, "/kernel\x00"...)
	buf = append(buf, image...)
	return append(buf, msg...)
}

func TestPidList(t *testing.T) {
	svc, p := newService(t)

	go func() {
		req := p.readRequest()
		assert.Equal(t, map[string]any{"Request": "PidList"}, req)
		p.write([]byte{0x01})
		p.writeBEFrame(p.plist(map[string]any{
			"Status":  "RequestSuccessful",
			"Payload": map[string]any{"1": map[string]any{"ProcessName": "launchd"}},
		}))
	}()

	got, err := svc.PidList(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "RequestSuccessful", got["Status"])
	assert.Equal(t, map[string]any{"1": map[string]any{"ProcessName": "launchd"}}, got["Payload"])
}

func TestPidListNotADictionary(t *testing.T) {
	svc, p := newService(t)

	go func() {
		p.readRequest()
		p.write([]byte{0x00})
		p.writeBEFrame(p.plist([]any{"x"}))
	}()

	_, err := svc.PidList(t.Context())
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
}

func TestCreateArchive(t *testing.T) {
	svc, p := newService(t)
	chunks := [][]byte{[]byte("first-"), bytes.Repeat([]byte{0x5A}, 5000), []byte("-last")}

	go func() {
		req := p.readRequest()
		assert.Equal(t, "CreateArchive", req["Request"])
		assert.Equal(t, uint64(1<<20), req["SizeLimit"])
		assert.NotContains(t, req, "AgeLimit")
		assert.NotContains(t, req, "StartTime")

		p.write([]byte{0x01})
		p.writeBEFrame(p.plist(success))
		for _, c := range chunks {
			p.writeChunk(0x03, c)
		}
		p.conn.Close()
	}()

	size := int64(1 << 20)
	var out bytes.Buffer
	res, err := svc.CreateArchive(t.Context(), &out, ArchiveOptions{SizeLimit: &size})
	require.NoError(t, err)
	assert.Equal(t, ArchiveDone, res.State)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, int64(out.Len()), res.Bytes)
	assert.Equal(t, bytes.Join(chunks, nil), out.Bytes())
}

func TestCreateArchiveBadMagic(t *testing.T) {
	svc, p := newService(t)
	extraWrite := make(chan error, 1)

	go func() {
		p.readRequest()
		p.write([]byte{0x01})
		p.writeBEFrame(p.plist(success))
		p.writeChunk(0x03, []byte("ok"))
		p.write([]byte{0x07})

		// nobody may read past the bad magic
		p.conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := p.conn.Write([]byte{0x03, 0x01, 0x00, 0x00, 0x00, 'x'})
		extraWrite <- err
	}()

	var out bytes.Buffer
	res, err := svc.CreateArchive(t.Context(), &out, ArchiveOptions{})
	require.ErrorIs(t, err, ErrArchiveAborted)
	assert.ErrorIs(t, err, core.ErrInvalidPayload)
	assert.Equal(t, ArchiveAborted, res.State)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "ok", out.String())

	werr := <-extraWrite
	require.Error(t, werr)
	assert.True(t, errors.Is(werr, context.DeadlineExceeded) || isTimeout(werr), "got %v", werr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestCreateArchiveHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  func(p *peer)
		wantErr error
	}{
		{
			name:    "bad acknowledgement",
			script:  func(p *peer) { p.write([]byte{0x02}) },
			wantErr: ErrArchiveAborted,
		},
		{
			name: "failed status",
			script: func(p *peer) {
				p.write([]byte{0x01})
				p.writeBEFrame(p.plist(map[string]any{"Status": "RequestFailed"}))
			},
			wantErr: core.ErrInvalidPayload,
		},
		{
			name:    "closed before acknowledgement",
			script:  func(p *peer) { p.conn.Close() },
			wantErr: core.ErrConnectionClosed,
		},
		{
			name: "closed after chunk magic",
			script: func(p *peer) {
				p.write([]byte{0x01})
				p.writeBEFrame(p.plist(success))
				p.write([]byte{0x03})
				p.conn.Close()
			},
			wantErr: core.ErrTruncatedStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, p := newService(t)
			go func() {
				p.readRequest()
				tt.script(p)
			}()

			res, err := svc.CreateArchive(t.Context(), io.Discard, ArchiveOptions{})
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, ArchiveAborted, res.State)
		})
	}
}

func TestSyslogStream(t *testing.T) {
	svc, p := newService(t)
	const n = 3

	go func() {
		req := p.readRequest()
		assert.Equal(t, "StartActivity", req["Request"])
		assert.Equal(t, uint64(65535), req["MessageFilter"])
		assert.Equal(t, uint64(60), req["StreamFlags"])
		assert.EqualValues(t, 88, req["Pid"])

		p.writeActivityResponse(success, 4)
		for i := 0; i < n; i++ {
			p.writeChunk(0x02, buildRecord(uint32(100+i), 0x00, "line"))
		}
	}()

	stream, err := svc.Syslog(t.Context(), 88)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		rec, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, int32(100+i), rec.PID)
		assert.Equal(t, "line", rec.Message)
		assert.Equal(t, record.LevelNotice, rec.Level)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Next returned while the device was silent: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, stream.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, core.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Next")
	}
}

func TestSyslogAll(t *testing.T) {
	svc, p := newService(t)

	go func() {
		p.readRequest()
		p.writeActivityResponse(success, 1)
		p.writeChunk(0x02, buildRecord(1, 0x01, "a"))
		p.writeChunk(0x02, buildRecord(2, 0x05, "bad level"))
		p.writeChunk(0x02, buildRecord(3, 0x11, "c"))
		p.conn.Close()
	}()

	stream, err := svc.Syslog(t.Context(), AllProcesses)
	require.NoError(t, err)

	var messages []string
	var decodeErrs int
	for rec, err := range stream.All() {
		if err != nil {
			require.ErrorIs(t, err, core.ErrUnmappedEnumValue)
			decodeErrs++
			continue
		}
		messages = append(messages, rec.Message)
	}
	assert.Equal(t, []string{"a", "c"}, messages)
	assert.Equal(t, 1, decodeErrs)
	assert.ErrorIs(t, stream.Err(), core.ErrConnectionClosed)
}

func TestSyslogBadMagicIsSticky(t *testing.T) {
	svc, p := newService(t)

	go func() {
		p.readRequest()
		p.writeActivityResponse(success, 2)
		p.write([]byte{0x09})
	}()

	stream, err := svc.Syslog(t.Context(), AllProcesses)
	require.NoError(t, err)

	_, err = stream.Next()
	require.ErrorIs(t, err, ErrBadMagic)
	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrBadMagic)

	var got []error
	for _, err := range stream.All() {
		got = append(got, err)
	}
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrBadMagic)
}

// writeSplit sends msg in pieces cut at the given offsets, pausing between
// them.
func (p *peer) writeSplit(msg []byte, splits []int, pause time.Duration) {
	prev := 0
	for _, at := range splits {
		p.write(msg[prev:at])
		time.Sleep(pause)
		prev = at
	}
	p.write(msg[prev:])
}

func recordMessage(rec []byte) []byte {
	msg := binary.LittleEndian.AppendUint32([]byte{0x02}, uint32(len(rec)))
	return append(msg, rec...)
}

// nextRetry repeats Next while the connection has nothing to deliver.
func nextRetry(t *testing.T, stream *SyslogStream) *record.LogRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := stream.Next()
		if errors.Is(err, core.ErrWouldBlock) && time.Now().Before(deadline) {
			require.NoError(t, stream.Err())
			continue
		}
		require.NoError(t, err)
		return rec
	}
}

func TestSyslogNonBlockingSplitDelivery(t *testing.T) {
	tests := []struct {
		name   string
		splits []int
	}{
		{"after magic", []int{1}},
		{"inside length", []int{3}},
		{"between length and payload", []int{5}},
		{"mid payload", []int{20}},
		{"magic length and payload apart", []int{1, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, p := newService(t)
			started := make(chan struct{})

			go func() {
				p.readRequest()
				p.writeActivityResponse(success, 4)
				<-started
				time.Sleep(40 * time.Millisecond)
				p.writeSplit(recordMessage(buildRecord(7, 0x00, "split")), tt.splits, 40*time.Millisecond)
				p.writeChunk(0x02, buildRecord(8, 0x00, "whole"))
			}()

			stream, err := svc.Syslog(t.Context(), AllProcesses)
			require.NoError(t, err)
			require.NoError(t, svc.conn().SetBlocking(false))
			close(started)

			_, err = stream.Next()
			require.ErrorIs(t, err, core.ErrWouldBlock)
			assert.NoError(t, stream.Err())

			rec := nextRetry(t, stream)
			assert.Equal(t, int32(7), rec.PID)
			assert.Equal(t, "split", rec.Message)

			rec = nextRetry(t, stream)
			assert.Equal(t, int32(8), rec.PID)
			assert.Equal(t, "whole", rec.Message)
		})
	}
}

func TestSyslogNonBlockingHandshake(t *testing.T) {
	svc, p := newService(t)
	require.NoError(t, svc.conn().SetBlocking(false))

	go func() {
		p.readRequest()
		payload := p.plist(success)
		msg := binary.LittleEndian.AppendUint32(nil, 2)
		msg = binary.LittleEndian.AppendUint16(msg, uint16(len(payload)))
		msg = append(msg, payload...)
		time.Sleep(30 * time.Millisecond)
		p.writeSplit(msg, []int{2, 4, 5, 8}, 30*time.Millisecond)
		p.writeChunk(0x02, buildRecord(9, 0x00, "ready"))
		p.conn.Close()
	}()

	stream, err := svc.Syslog(t.Context(), AllProcesses)
	require.NoError(t, err)

	var messages []string
	for rec, err := range stream.All() {
		require.NoError(t, err)
		messages = append(messages, rec.Message)
	}
	assert.Equal(t, []string{"ready"}, messages)
	assert.ErrorIs(t, stream.Err(), core.ErrConnectionClosed)
}

func TestCreateArchiveNonBlocking(t *testing.T) {
	svc, p := newService(t)
	require.NoError(t, svc.conn().SetBlocking(false))
	chunks := [][]byte{[]byte("alpha-"), bytes.Repeat([]byte{0x11}, 300), []byte("-omega")}

	go func() {
		p.readRequest()
		time.Sleep(30 * time.Millisecond)
		p.write([]byte{0x01})
		time.Sleep(30 * time.Millisecond)
		status := p.plist(success)
		p.writeSplit(append(binary.BigEndian.AppendUint32(nil, uint32(len(status))), status...), []int{2}, 30*time.Millisecond)
		for _, c := range chunks {
			msg := binary.LittleEndian.AppendUint32([]byte{0x03}, uint32(len(c)))
			p.writeSplit(append(msg, c...), []int{1, 5}, 30*time.Millisecond)
			time.Sleep(30 * time.Millisecond)
		}
		p.conn.Close()
	}()

	var out bytes.Buffer
	res, err := svc.CreateArchive(t.Context(), &out, ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, ArchiveDone, res.State)
	assert.Equal(t, len(chunks), res.Chunks)
	assert.Equal(t, bytes.Join(chunks, nil), out.Bytes())
}

func TestPidListNonBlocking(t *testing.T) {
	svc, p := newService(t)
	require.NoError(t, svc.conn().SetBlocking(false))

	go func() {
		p.readRequest()
		time.Sleep(30 * time.Millisecond)
		p.write([]byte{0x01})
		time.Sleep(30 * time.Millisecond)
		reply := p.plist(map[string]any{"Status": "RequestSuccessful", "Payload": map[string]any{}})
		p.writeSplit(append(binary.BigEndian.AppendUint32(nil, uint32(len(reply))), reply...), []int{3}, 30*time.Millisecond)
	}()

	got, err := svc.PidList(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "RequestSuccessful", got["Status"])
}

func TestSyslogContextCancel(t *testing.T) {
	svc, p := newService(t)
	ctx, cancel := context.WithCancel(t.Context())

	go func() {
		p.readRequest()
		p.writeActivityResponse(success, 4)
	}()

	stream, err := svc.Syslog(ctx, AllProcesses)
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = stream.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyslogHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  func(p *peer)
		wantErr error
	}{
		{
			name:    "zero width",
			script:  func(p *peer) { p.write(binary.LittleEndian.AppendUint32(nil, 0)) },
			wantErr: core.ErrInvalidPayload,
		},
		{
			name:    "width too large",
			script:  func(p *peer) { p.write(binary.LittleEndian.AppendUint32(nil, 9)) },
			wantErr: core.ErrInvalidPayload,
		},
		{
			name:    "failed status",
			script:  func(p *peer) { p.writeActivityResponse(map[string]any{"Status": "Nope"}, 4) },
			wantErr: core.ErrInvalidPayload,
		},
		{
			name: "truncated response",
			script: func(p *peer) {
				msg := binary.LittleEndian.AppendUint32(nil, 1)
				p.write(append(msg, 0x40, 'b', 'p'))
				p.conn.Close()
			},
			wantErr: core.ErrTruncatedStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, p := newService(t)
			go func() {
				p.readRequest()
				tt.script(p)
			}()

			_, err := svc.Syslog(t.Context(), AllProcesses)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStatusResponse(t *testing.T) {
	assert.NoError(t, StatusResponse{Status: StatusRequestSuccessful}.Err())

	err := StatusResponse{Status: "RequestFailed", Error: "busy"}.Err()
	require.ErrorIs(t, err, core.ErrInvalidPayload)
	assert.Contains(t, err.Error(), "busy")
	assert.ErrorIs(t, StatusResponse{}.Err(), core.ErrInvalidPayload)
}

func TestArchiveStateString(t *testing.T) {
	assert.Equal(t, "idle", ArchiveIdle.String())
	assert.Equal(t, "streaming", ArchiveStreaming.String())
	assert.Equal(t, "aborted", ArchiveAborted.String())
	assert.Equal(t, "ArchiveState(42)", ArchiveState(42).String())
}
