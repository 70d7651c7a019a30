package spiller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusquery/core"
	"github.com/INLOpen/nexusquery/hooks"
	"github.com/INLOpen/nexusquery/memory"
	"github.com/INLOpen/nexusquery/sys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	// WriteBufferSize is the buffered-writer size reserved against the
	// spiller's memory context for the whole life of the spiller.
	WriteBufferSize = 4 * 1024
	// ReadBufferSize is the buffered-reader size reserved when the first
	// page is pulled from a read iterator.
	ReadBufferSize = 64 * 1024

	// preallocChunkSize is how much file space is preallocated at a time
	// ahead of the write position, where the platform supports it.
	preallocChunkSize = 1 << 20
)

var (
	// ErrSpillerClosed is returned by operations on a closed spiller.
	ErrSpillerClosed = errors.New("spiller is closed")
	// ErrReadStarted is returned when a spill or second read is attempted
	// after GetSpilledPages has been called.
	ErrReadStarted = errors.New("spilled pages are already being read")
)

// SingleStreamSpiller writes pages of one schema to a single spill file and
// reads them back once, in order. The lifecycle is strictly write-then-read:
// any number of Spill calls, at most one GetSpilledPages, then Close.
//
// Implementations are not meant for concurrent use, but an internal lock
// keeps misuse memory-safe.
type SingleStreamSpiller interface {
	// Spill appends the given pages to the backing file. The returned
	// future is completed when the pages are durably framed, or failed
	// with the reason the spill could not happen.
	Spill(ctx context.Context, pages ...*core.Page) *core.Future
	// GetSpilledPages returns a lazy iterator over everything spilled so
	// far, in spill order. It moves the spiller into its read phase;
	// further Spill calls fail with ErrReadStarted.
	GetSpilledPages() (core.PageIterator, error)
	// Close releases the spiller's file, memory and file-descriptor slot.
	// It is idempotent and safe after any write or read failure.
	Close() error
}

// FileSingleStreamSpiller is the file-backed SingleStreamSpiller produced by
// FileSingleStreamSpillerFactory. The spill file is created lazily on the
// first spill and deleted on Close; no fsync is issued, an OS crash may lose
// spilled data, which is fine because a spill file never outlives its query.
type FileSingleStreamSpiller struct {
	id      string
	queryID memory.QueryID
	schema  core.Schema
	dir     string

	serde     *frameSerde
	cipher    *frameCipher
	codecType core.CompressionType
	direct    bool
	prefetch  int

	onCommit func(int64)
	memCtx   *memory.LocalContext

	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	stats   *Stats
	fdSlots *semaphore.Weighted
	detach  func(string)

	mu             sync.Mutex
	closed         bool
	readStarted    bool
	filePath       string
	file           sys.FileHandle
	writer         *bufio.Writer
	fdHeld         bool
	frameCount     uint64
	committedBytes int64
	preallocated   int64
	preallocOK     bool
	iterator       *spilledPageIterator
}

var _ SingleStreamSpiller = (*FileSingleStreamSpiller)(nil)

// ID returns the spiller's unique identifier, which also names its file.
func (s *FileSingleStreamSpiller) ID() string { return s.id }

// Schema returns the page schema this spiller is bound to.
func (s *FileSingleStreamSpiller) Schema() core.Schema { return s.schema }

// CommittedBytes returns the on-disk footprint written so far, including
// the file header.
func (s *FileSingleStreamSpiller) CommittedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedBytes
}

// Spill appends pages to the spill file. The first call acquires a file
// slot, creates the file and writes its header. Pages are validated against
// the spiller's schema before anything touches disk.
func (s *FileSingleStreamSpiller) Spill(ctx context.Context, pages ...*core.Page) *core.Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.FailedFuture(ErrSpillerClosed)
	}
	if s.readStarted {
		return core.FailedFuture(ErrReadStarted)
	}
	if len(pages) == 0 {
		return core.CompletedFuture()
	}

	var estimatedBytes int64
	for _, page := range pages {
		if page == nil {
			return core.FailedFuture(errors.New("cannot spill a nil page"))
		}
		if !page.Schema().Equal(s.schema) {
			return core.FailedFuture(fmt.Errorf("page schema %v does not match spiller schema %v", page.Schema(), s.schema))
		}
		estimatedBytes += page.SizeBytes()
	}

	// A listener refusing the pre-spill event cancels the spill before any
	// disk state exists.
	if err := s.hooks.Trigger(ctx, hooks.NewPreSpillEvent(hooks.PreSpillPayload{
		SpillerID:      s.id,
		QueryID:        string(s.queryID),
		Pages:          len(pages),
		EstimatedBytes: estimatedBytes,
	})); err != nil {
		return core.FailedFuture(fmt.Errorf("spill cancelled: %w", err))
	}

	spillCtx, span := s.tracer.Start(ctx, "SingleStreamSpiller.Spill")
	defer span.End()
	span.SetAttributes(
		attribute.String("spiller.id", s.id),
		attribute.Int("spiller.pages", len(pages)),
		attribute.Int64("spiller.estimated_bytes", estimatedBytes),
	)

	start := time.Now()
	before := s.committedBytes
	positions, bodyBytes, err := s.writePagesLocked(spillCtx, pages, estimatedBytes)
	committed := s.committedBytes - before
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spill failed")
		s.logger.Error("spill failed", "spiller_id", s.id, "query_id", s.queryID, "pages", len(pages), "error", err)
	} else {
		span.SetAttributes(attribute.Int64("spiller.committed_bytes", committed))
		s.stats.SpillCallsTotal.Add(1)
		s.stats.SpilledPagesTotal.Add(int64(len(pages)))
		s.stats.SpilledBytesTotal.Add(committed)
		s.logger.Debug("spilled pages",
			"spiller_id", s.id,
			"pages", len(pages),
			"positions", positions,
			"uncompressed_bytes", bodyBytes,
			"committed_bytes", committed,
			"duration", duration)
		if s.onCommit != nil {
			s.onCommit(committed)
		}
	}

	s.hooks.Trigger(spillCtx, hooks.NewPostSpillEvent(hooks.PostSpillPayload{
		SpillerID:         s.id,
		QueryID:           string(s.queryID),
		Pages:             len(pages),
		Positions:         positions,
		UncompressedBytes: bodyBytes,
		SpilledBytes:      committed,
		Duration:          duration,
		Error:             err,
	}))

	if err != nil {
		return core.FailedFuture(err)
	}
	return core.CompletedFuture()
}

func (s *FileSingleStreamSpiller) writePagesLocked(ctx context.Context, pages []*core.Page, estimatedBytes int64) (positions, bodyBytes int64, err error) {
	if err := s.ensureFileLocked(ctx); err != nil {
		return 0, 0, err
	}
	s.extendPreallocLocked(estimatedBytes)

	var frameBytes int64
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return positions, bodyBytes, err
		}
		bodyLen, payloadLen, err := s.writeFrameLocked(page)
		if err != nil {
			return positions, bodyBytes, err
		}
		// The nonce derives from the ordinal, so it advances even when a
		// later flush fails and the caller retries.
		s.frameCount++
		positions += int64(page.PositionCount())
		bodyBytes += int64(bodyLen)
		frameBytes += int64(frameHeaderSize + payloadLen + frameChecksumSize)
		s.stats.observePayloadSize(float64(payloadLen))
	}
	if err := s.writer.Flush(); err != nil {
		return positions, bodyBytes, fmt.Errorf("failed to flush spill frames: %w", err)
	}
	s.committedBytes += frameBytes
	return positions, bodyBytes, nil
}

func (s *FileSingleStreamSpiller) writeFrameLocked(page *core.Page) (bodyLen, payloadLen int, err error) {
	// Direct serialization frames straight into the buffered writer;
	// otherwise the whole frame is staged in a pooled buffer first so a
	// mid-frame encoding failure never reaches the file.
	if s.direct {
		return s.serde.encodeFrame(s.writer, page, s.frameCount)
	}
	staging := core.BufferPool.Get()
	defer core.BufferPool.Put(staging)
	bodyLen, payloadLen, err = s.serde.encodeFrame(staging, page, s.frameCount)
	if err != nil {
		return 0, 0, err
	}
	if _, err := s.writer.Write(staging.Bytes()); err != nil {
		return 0, 0, fmt.Errorf("failed to write spill frame: %w", err)
	}
	return bodyLen, payloadLen, nil
}

func (s *FileSingleStreamSpiller) ensureFileLocked(ctx context.Context) error {
	if s.file != nil {
		return nil
	}
	if err := s.fdSlots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a spill file slot: %w", err)
	}
	s.fdHeld = true

	path := filepath.Join(s.dir, core.FormatSpillFileName(s.id))
	file, err := sys.Create(path)
	if err != nil {
		s.releaseFileSlotLocked()
		return fmt.Errorf("failed to create spill file %s: %w", path, err)
	}
	writer := bufio.NewWriterSize(file, WriteBufferSize)
	headerSize, err := writeFileHeader(writer, s.codecType, len(s.schema))
	if err != nil {
		file.Close()
		sys.Remove(path)
		s.releaseFileSlotLocked()
		return err
	}

	s.file = file
	s.writer = writer
	s.filePath = path
	s.committedBytes = int64(headerSize)
	s.preallocOK = true
	s.extendPreallocLocked(0)
	s.logger.Debug("created spill file", "spiller_id", s.id, "file", path)
	return nil
}

// extendPreallocLocked keeps at least upcoming bytes of file space allocated
// ahead of the write position. Best effort: the first unsupported or failed
// call turns preallocation off for this file.
func (s *FileSingleStreamSpiller) extendPreallocLocked(upcoming int64) {
	if !s.preallocOK {
		return
	}
	needed := s.committedBytes + upcoming
	for s.preallocated < needed {
		next := s.preallocated + preallocChunkSize
		if err := sys.Preallocate(s.file, next); err != nil {
			if !errors.Is(err, sys.ErrPreallocNotSupported) {
				s.logger.Debug("spill file preallocation failed", "file", s.filePath, "error", err)
			}
			s.preallocOK = false
			return
		}
		s.preallocated = next
	}
}

func (s *FileSingleStreamSpiller) releaseFileSlotLocked() {
	if s.fdHeld {
		s.fdHeld = false
		s.fdSlots.Release(1)
	}
}

// GetSpilledPages flushes pending frames and returns the read iterator.
// The iterator is lazy: the file is reopened and the read buffer reserved
// on its first Next call, and nothing is prefetched before that.
func (s *FileSingleStreamSpiller) GetSpilledPages() (core.PageIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSpillerClosed
	}
	if s.readStarted {
		return nil, ErrReadStarted
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush spill frames: %w", err)
		}
		// A non-KEEP_SIZE preallocation may have grown the visible file
		// size past the written frames; trim it so the reader stops at the
		// last frame instead of walking into zeroed space.
		if s.preallocated > s.committedBytes {
			if err := s.file.Truncate(s.committedBytes); err != nil {
				return nil, fmt.Errorf("failed to trim spill file %s: %w", s.filePath, err)
			}
			s.preallocated = s.committedBytes
		}
	}
	s.readStarted = true
	it := &spilledPageIterator{
		spillerID: s.id,
		schema:    s.schema,
		path:      s.filePath,
		cipher:    s.cipher,
		prefetch:  s.prefetch,
		memCtx:    s.memCtx,
		stats:     s.stats,
		logger:    s.logger,
		tracer:    s.tracer,
		done:      make(chan struct{}),
	}
	s.iterator = it
	return it, nil
}

// Close deletes the spill file and releases the spiller's memory and file
// slot. Cleanup problems are logged, not returned, and a second Close is a
// no-op. No completion callback fires for freed space.
func (s *FileSingleStreamSpiller) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	iterator := s.iterator
	file := s.file
	path := s.filePath
	committed := s.committedBytes
	s.file = nil
	s.writer = nil
	s.mu.Unlock()

	_, span := s.tracer.Start(context.Background(), "SingleStreamSpiller.Close")
	defer span.End()

	if iterator != nil {
		if err := iterator.Close(); err != nil {
			s.logger.Warn("failed to close spill read iterator", "spiller_id", s.id, "error", err)
		}
	}
	if file != nil {
		if err := file.Close(); err != nil {
			s.logger.Warn("failed to close spill file", "file", path, "error", err)
		}
	}
	filesRemoved := 0
	if path != "" {
		if err := sys.Remove(path); err != nil {
			if os.IsNotExist(err) {
				s.logger.Debug("spill file already removed", "file", path)
			} else {
				s.logger.Warn("failed to remove spill file", "file", path, "error", err)
			}
		} else {
			filesRemoved = 1
		}
	}

	s.mu.Lock()
	s.releaseFileSlotLocked()
	s.mu.Unlock()

	if err := s.memCtx.Close(); err != nil {
		s.logger.Warn("failed to release spiller memory", "spiller_id", s.id, "error", err)
	}
	if s.detach != nil {
		s.detach(s.id)
	}
	s.stats.ActiveSpillers.Add(-1)

	span.SetAttributes(
		attribute.String("spiller.id", s.id),
		attribute.Int("spiller.files_removed", filesRemoved),
		attribute.Int64("spiller.bytes_freed", committed),
	)
	s.hooks.Trigger(context.Background(), hooks.NewOnSpillerCloseEvent(hooks.SpillerClosePayload{
		SpillerID:    s.id,
		QueryID:      string(s.queryID),
		FilesRemoved: filesRemoved,
		BytesFreed:   committed,
	}))
	s.logger.Debug("closed spiller", "spiller_id", s.id, "files_removed", filesRemoved, "bytes_freed", committed)
	return nil
}

// spilledPageIterator reads frames back in spill order. A prefetch goroutine
// stays a bounded number of pages ahead of the consumer; it starts on the
// first Next call, which is also when the read buffer is reserved.
type spilledPageIterator struct {
	spillerID string
	schema    core.Schema
	path      string // empty when nothing was ever spilled
	cipher    *frameCipher
	prefetch  int
	memCtx    *memory.LocalContext
	stats     *Stats
	logger    *slog.Logger
	tracer    trace.Tracer

	done chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	reserved bool
	file     sys.FileHandle
	frames   chan prefetchedFrame
	current  *core.Page
	err      error
	wg       sync.WaitGroup
}

var _ core.PageIterator = (*spilledPageIterator)(nil)

type prefetchedFrame struct {
	page *core.Page
	err  error
}

func (it *spilledPageIterator) Next() bool {
	it.mu.Lock()
	if it.closed || it.err != nil {
		it.mu.Unlock()
		return false
	}
	if !it.started {
		if err := it.openLocked(); err != nil {
			it.err = err
			it.mu.Unlock()
			return false
		}
		it.started = true
	}
	frames := it.frames
	it.mu.Unlock()

	if frames == nil {
		// The spiller never wrote a frame.
		return false
	}
	select {
	case frame, ok := <-frames:
		if !ok {
			return false
		}
		if frame.err != nil {
			it.mu.Lock()
			it.err = frame.err
			it.mu.Unlock()
			return false
		}
		it.mu.Lock()
		it.current = frame.page
		it.mu.Unlock()
		it.stats.ReadPagesTotal.Add(1)
		return true
	case <-it.done:
		return false
	}
}

// openLocked reserves the read buffer, reopens the spill file and starts
// the prefetcher. The reservation happens even when there is no file, so a
// zero-spill read costs the same as a real one.
func (it *spilledPageIterator) openLocked() error {
	if _, err := it.memCtx.AddBytes(ReadBufferSize); err != nil {
		return fmt.Errorf("failed to reserve spill read buffer: %w", err)
	}
	it.reserved = true
	if it.path == "" {
		return nil
	}

	_, span := it.tracer.Start(context.Background(), "SingleStreamSpiller.OpenRead")
	defer span.End()
	span.SetAttributes(attribute.String("spiller.id", it.spillerID))

	file, err := sys.Open(it.path)
	if err != nil {
		return fmt.Errorf("failed to open spill file %s: %w", it.path, err)
	}
	reader := bufio.NewReaderSize(file, ReadBufferSize)
	header, err := readFileHeader(reader, it.path, len(it.schema))
	if err != nil {
		file.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad spill file header")
		return err
	}
	// Decoding follows the file header, not the writer's configuration.
	serde, err := newReadSerde(header.CompressorType, it.cipher, it.path)
	if err != nil {
		file.Close()
		return err
	}

	it.file = file
	it.frames = make(chan prefetchedFrame, it.prefetch)
	it.wg.Add(1)
	go it.prefetchLoop(reader, serde)
	return nil
}

func (it *spilledPageIterator) prefetchLoop(reader *bufio.Reader, serde *frameSerde) {
	defer it.wg.Done()
	defer close(it.frames)
	for ordinal := uint64(0); ; ordinal++ {
		page, err := serde.decodeFrame(reader, it.schema, ordinal)
		if err == io.EOF {
			return
		}
		if err != nil {
			select {
			case it.frames <- prefetchedFrame{err: err}:
			case <-it.done:
			}
			return
		}
		select {
		case it.frames <- prefetchedFrame{page: page}:
		case <-it.done:
			return
		}
	}
}

func (it *spilledPageIterator) At() (*core.Page, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.err != nil {
		return nil, it.err
	}
	return it.current, nil
}

func (it *spilledPageIterator) Error() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Close stops the prefetcher, closes the read handle and releases the read
// buffer reservation exactly once.
func (it *spilledPageIterator) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	file := it.file
	it.mu.Unlock()

	close(it.done)
	it.wg.Wait()

	var closeErr error
	if file != nil {
		closeErr = file.Close()
	}

	it.mu.Lock()
	if it.reserved {
		it.reserved = false
		if _, err := it.memCtx.AddBytes(-ReadBufferSize); err != nil {
			it.logger.Warn("failed to release spill read buffer", "spiller_id", it.spillerID, "error", err)
		}
	}
	it.mu.Unlock()
	return closeErr
}
