package ostrace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"firestige.xyz/ostrace/internal/codec"
	"firestige.xyz/ostrace/internal/core"
	"firestige.xyz/ostrace/internal/metrics"
)

const (
	archiveAckByte    = 0x01
	archiveChunkMagic = 0x03
)

// ErrArchiveAborted is returned when the archive stream carries something
// other than a chunk. Chunk boundaries cannot be recovered afterwards.
var ErrArchiveAborted = fmt.Errorf("%w: archive aborted", core.ErrInvalidPayload)

// ArchiveState tracks a CreateArchive transfer.
type ArchiveState int

const (
	ArchiveIdle ArchiveState = iota
	ArchiveRequested
	ArchiveAcknowledged
	ArchiveStreaming
	ArchiveDone
	ArchiveAborted
)

func (s ArchiveState) String() string {
	switch s {
	case ArchiveIdle:
		return "idle"
	case ArchiveRequested:
		return "requested"
	case ArchiveAcknowledged:
		return "acknowledged"
	case ArchiveStreaming:
		return "streaming"
	case ArchiveDone:
		return "done"
	case ArchiveAborted:
		return "aborted"
	default:
		return fmt.Sprintf("ArchiveState(%d)", int(s))
	}
}

// ArchiveOptions limits the archive. Nil fields are not sent.
type ArchiveOptions struct {
	SizeLimit *int64
	AgeLimit  *int64
	StartTime *int64
}

// ArchiveResult summarises a transfer.
type ArchiveResult struct {
	Chunks int
	Bytes  int64
	State  ArchiveState
}

// CreateArchive requests the stored log archive and copies every chunk to out
// in arrival order. The transfer ends when the device closes the connection.
//
// The archive container is passed through untouched.
func (s *Service) CreateArchive(ctx context.Context, out io.Writer, opts ArchiveOptions) (ArchiveResult, error) {
	res := ArchiveResult{State: ArchiveIdle}
	stop := s.watch(ctx)
	defer stop()

	abort := func(err error) (ArchiveResult, error) {
		res.State = ArchiveAborted
		s.logger.Warn("archive aborted", "chunks", res.Chunks, "bytes", res.Bytes, "error", err)
		return res, err
	}

	req := createArchiveRequest{
		Request:   requestCreateArchive,
		SizeLimit: opts.SizeLimit,
		AgeLimit:  opts.AgeLimit,
		StartTime: opts.StartTime,
	}
	if err := s.client.SendValue(req); err != nil {
		return abort(s.ctxErr(ctx, err))
	}
	res.State = ArchiveRequested

	ack, err := await(ctx, s.conn().ReadByte)
	if err != nil {
		return abort(s.ctxErr(ctx, err))
	}
	if ack != archiveAckByte {
		return abort(fmt.Errorf("%w: acknowledgement byte 0x%02x", ErrArchiveAborted, ack))
	}

	payload, err := await(ctx, func() ([]byte, error) {
		return s.conn().ReadFrame(binary.BigEndian)
	})
	if err != nil {
		return abort(s.ctxErr(ctx, err))
	}
	var status StatusResponse
	if err := codec.DecodeInto(payload, &status); err != nil {
		return abort(err)
	}
	if err := status.Err(); err != nil {
		return abort(err)
	}
	res.State = ArchiveAcknowledged
	s.logger.Debug("archive acknowledged")

	for {
		magic, err := await(ctx, s.conn().ReadByte)
		if err != nil {
			if errors.Is(err, core.ErrConnectionClosed) && !s.conn().Closed() {
				res.State = ArchiveDone
				s.logger.Info("archive complete", "chunks", res.Chunks, "bytes", res.Bytes)
				return res, nil
			}
			return abort(s.ctxErr(ctx, err))
		}
		if magic != archiveChunkMagic {
			return abort(fmt.Errorf("%w: chunk magic 0x%02x", ErrArchiveAborted, magic))
		}

		chunk, err := s.conn().ReadFrameNoPoll(binary.LittleEndian)
		if err != nil {
			if errors.Is(err, core.ErrConnectionClosed) && !s.conn().Closed() {
				err = fmt.Errorf("%w: connection closed after chunk magic", core.ErrTruncatedStream)
			}
			return abort(s.ctxErr(ctx, err))
		}
		res.State = ArchiveStreaming

		if _, err := out.Write(chunk); err != nil {
			s.client.Close()
			return abort(fmt.Errorf("write archive chunk: %w", err))
		}
		res.Chunks++
		res.Bytes += int64(len(chunk))
		metrics.ArchiveChunksTotal.Inc()
		metrics.ArchiveBytesTotal.Add(float64(len(chunk)))
	}
}
