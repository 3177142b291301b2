package cmd

import (
	"context"
	"io"
	"iter"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/locator"
	"firestige.xyz/ostrace/internal/ostrace"
	"firestige.xyz/ostrace/internal/record"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Devices(ctx context.Context) ([]locator.Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]locator.Device)
	return devices, args.Error(1)
}

func (m *MockBackend) OpenRelay(ctx context.Context) (RelayClient, error) {
	args := m.Called(ctx)
	relay, _ := args.Get(0).(RelayClient)
	return relay, args.Error(1)
}

func (m *MockBackend) OpenService(ctx context.Context, service string, format codec.Format) (ServiceClient, error) {
	args := m.Called(ctx, service, format)
	client, _ := args.Get(0).(ServiceClient)
	return client, args.Error(1)
}

type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) PidList(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).(map[string]any)
	return list, args.Error(1)
}

func (m *MockRelay) Syslog(ctx context.Context, pid int) (RecordStream, error) {
	args := m.Called(ctx, pid)
	st, _ := args.Get(0).(RecordStream)
	return st, args.Error(1)
}

func (m *MockRelay) CreateArchive(ctx context.Context, out io.Writer, opts ostrace.ArchiveOptions) (ostrace.ArchiveResult, error) {
	args := m.Called(ctx, out, opts)
	return args.Get(0).(ostrace.ArchiveResult), args.Error(1)
}

func (m *MockRelay) Close() error {
	return m.Called().Error(0)
}

type MockService struct {
	mock.Mock
}

func (m *MockService) SendRecvValue(v any) (codec.Value, error) {
	args := m.Called(v)
	return args.Get(0), args.Error(1)
}

func (m *MockService) Close() error {
	return m.Called().Error(0)
}

// item is one step of a scripted stream.
type item struct {
	rec *record.LogRecord
	err error
}

// scriptedStream replays items; an error marked fatal becomes sticky.
type scriptedStream struct {
	items  []item
	fatal  error
	err    error
	closed bool
}

func (s *scriptedStream) All() iter.Seq2[*record.LogRecord, error] {
	return func(yield func(*record.LogRecord, error) bool) {
		for _, it := range s.items {
			if !yield(it.rec, it.err) {
				return
			}
		}
		if s.fatal != nil {
			s.err = s.fatal
			yield(nil, s.fatal)
		}
	}
}

func (s *scriptedStream) Err() error { return s.err }

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type collectSink struct {
	records []*record.LogRecord
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Write(_ context.Context, rec *record.LogRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func (c *collectSink) Close() error { return nil }
