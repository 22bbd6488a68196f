package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// JournalCodec is the compression applied to journal record payloads.
type JournalCodec uint8

const (
	JournalCodecNone   JournalCodec = 0
	JournalCodecLZ4    JournalCodec = 1
	JournalCodecSnappy JournalCodec = 2
)

func (c JournalCodec) String() string {
	switch c {
	case JournalCodecNone:
		return "none"
	case JournalCodecLZ4:
		return "lz4"
	case JournalCodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseJournalCodec parses a codec name as used in the configuration.
func ParseJournalCodec(name string) (JournalCodec, error) {
	switch name {
	case "none", "":
		return JournalCodecNone, nil
	case "lz4":
		return JournalCodecLZ4, nil
	case "snappy":
		return JournalCodecSnappy, nil
	default:
		return 0, fmt.Errorf("invalid journal compression: %s (must be none, snappy or lz4)", name)
	}
}

// Journal record layout:
// [0-3]: Stored payload length
// [4-7]: Raw payload length
// [8-11]: CRC32 (Castagnoli) of the stored payload
// [12]: Codec
// [13+]: Payload
//
// Raw payload layout:
// [0-7]: Atomic operation id
// [8-11]: Page count, then per page: file id (8), page index (8), image (PageSize)
// then deleted file count (4) and the deleted file ids (8 each)
const (
	journalHeaderSize = 13
	journalPageSize   = 16 + PageSize
	maxJournalPayload = 1 << 30
)

var journalTable = crc32.MakeTable(crc32.Castagnoli)

// JournalRecord is the redo image of one committed atomic operation.
type JournalRecord struct {
	OpID         uint64
	Pages        []PageWrite
	DeletedFiles []uint64
}

func (r *JournalRecord) encode() []byte {
	size := 8 + 4 + len(r.Pages)*journalPageSize + 4 + len(r.DeletedFiles)*8
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:], r.OpID)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(r.Pages)))
	off := 12
	for _, p := range r.Pages {
		binary.LittleEndian.PutUint64(buf[off:], p.ID.FileID)
		binary.LittleEndian.PutUint64(buf[off+8:], p.ID.PageIndex)
		copy(buf[off+16:off+journalPageSize], p.Data)
		off += journalPageSize
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.DeletedFiles)))
	off += 4
	for _, id := range r.DeletedFiles {
		binary.LittleEndian.PutUint64(buf[off:], id)
		off += 8
	}
	return buf
}

func decodeJournalRecord(buf []byte) (*JournalRecord, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("payload of %d bytes is too short", len(buf))
	}
	r := &JournalRecord{OpID: binary.LittleEndian.Uint64(buf[0:])}
	pages := int(binary.LittleEndian.Uint32(buf[8:]))
	off := 12
	if pages > (len(buf)-off)/journalPageSize {
		return nil, fmt.Errorf("page count %d exceeds payload", pages)
	}
	r.Pages = make([]PageWrite, pages)
	for i := range r.Pages {
		r.Pages[i] = PageWrite{
			ID: PageIdentity{
				FileID:    binary.LittleEndian.Uint64(buf[off:]),
				PageIndex: binary.LittleEndian.Uint64(buf[off+8:]),
			},
			Data: buf[off+16 : off+journalPageSize],
		}
		off += journalPageSize
	}
	if len(buf)-off < 4 {
		return nil, fmt.Errorf("missing deleted file count")
	}
	deleted := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if deleted != (len(buf)-off)/8 || (len(buf)-off)%8 != 0 {
		return nil, fmt.Errorf("deleted file count %d does not match payload", deleted)
	}
	for range deleted {
		r.DeletedFiles = append(r.DeletedFiles, binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	return r, nil
}

func compressPayload(codec JournalCodec, raw []byte) ([]byte, error) {
	switch codec {
	case JournalCodecNone:
		return raw, nil
	case JournalCodecSnappy:
		return snappy.Encode(nil, raw), nil
	case JournalCodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		if n == 0 {
			// Incompressible input; store it raw.
			return nil, nil
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unsupported journal codec: %s", codec)
	}
}

func decompressPayload(codec JournalCodec, stored []byte, rawLen int) ([]byte, error) {
	switch codec {
	case JournalCodecNone:
		return stored, nil
	case JournalCodecSnappy:
		raw, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return raw, nil
	case JournalCodecLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		return raw[:n], nil
	default:
		return nil, fmt.Errorf("unsupported journal codec: %s", codec)
	}
}

// Journal is an append-only redo log of committed atomic operations. Every
// append is synced before it returns. The journal is emptied by checkpoints,
// once all the pages it describes are durable in their data files.
type Journal struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	codec JournalCodec
	size  int64

	group *groupCommitter // nil unless group commit is enabled

	metrics *Metrics
	logger  *slog.Logger
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string, codec JournalCodec, metrics *Metrics, logger *slog.Logger) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, ErrDiskOperation("OpenJournal", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ErrDiskOperation("OpenJournal", err)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Journal{
		path:    path,
		file:    f,
		codec:   codec,
		size:    info.Size(),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Append writes a record at the end of the journal and syncs it.
func (j *Journal) Append(rec *JournalRecord) error {
	raw := rec.encode()
	codec := j.codec
	stored, err := compressPayload(codec, raw)
	if err != nil {
		return err
	}
	if stored == nil || len(stored) >= len(raw) {
		codec, stored = JournalCodecNone, raw
	}

	frame := make([]byte, journalHeaderSize+len(stored))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(frame[8:], crc32.Checksum(stored, journalTable))
	frame[12] = byte(codec)
	copy(frame[journalHeaderSize:], stored)

	if j.group != nil {
		return j.group.commit(frame)
	}
	return j.writeFrames(frame)
}

// writeFrames appends encoded records and syncs the journal once.
func (j *Journal) writeFrames(frames ...[]byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	offset := j.size
	for _, frame := range frames {
		if _, err := j.file.WriteAt(frame, offset); err != nil {
			return ErrDiskOperation("Journal.Append", err)
		}
		offset += int64(len(frame))
	}
	if err := syncFile(j.file); err != nil {
		return ErrDiskOperation("Journal.Append", err)
	}
	j.size = offset
	for _, frame := range frames {
		j.metrics.RecordJournalRecord(len(frame))
	}
	return nil
}

// EnableGroupCommit makes concurrent appends share fsyncs. An append waits
// up to maxBatchDelay for others to join its batch.
func (j *Journal) EnableGroupCommit(maxBatchSize int, maxBatchDelay time.Duration) {
	if j.group == nil {
		j.group = newGroupCommitter(j, maxBatchSize, maxBatchDelay)
	}
}

// GroupCommitStats returns batching statistics, zero without group commit.
func (j *Journal) GroupCommitStats() GroupCommitStats {
	if j.group == nil {
		return GroupCommitStats{}
	}
	return j.group.stats()
}

// Replay calls fn for every intact record, oldest first. A torn or corrupted
// record ends the replay and is cut off together with everything after it.
// It returns the number of records replayed.
func (j *Journal) Replay(fn func(rec *JournalRecord) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, ErrClosed
	}

	r := bufio.NewReaderSize(io.NewSectionReader(j.file, 0, j.size), 1<<16)
	var offset int64
	count := 0
	header := make([]byte, journalHeaderSize)
	for offset < j.size {
		rec, n, err := readJournalRecord(r, header)
		if err != nil {
			j.logger.Warn("journal ends with a damaged record, discarding the tail",
				"discarded_bytes", j.size-offset,
				"error", ErrJournalCorrupted("Journal.Replay", offset, err))
			if err := j.file.Truncate(offset); err != nil {
				return count, ErrDiskOperation("Journal.Replay", err)
			}
			j.size = offset
			break
		}
		if err := fn(rec); err != nil {
			return count, err
		}
		offset += n
		count++
	}
	return count, nil
}

func readJournalRecord(r io.Reader, header []byte) (*JournalRecord, int64, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	storedLen := binary.LittleEndian.Uint32(header[0:])
	rawLen := binary.LittleEndian.Uint32(header[4:])
	checksum := binary.LittleEndian.Uint32(header[8:])
	codec := JournalCodec(header[12])
	if storedLen > maxJournalPayload || rawLen > maxJournalPayload {
		return nil, 0, errors.New("record length out of bounds")
	}

	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, 0, err
	}
	if crc32.Checksum(stored, journalTable) != checksum {
		return nil, 0, errors.New("checksum mismatch")
	}
	raw, err := decompressPayload(codec, stored, int(rawLen))
	if err != nil {
		return nil, 0, err
	}
	rec, err := decodeJournalRecord(raw)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(journalHeaderSize) + int64(storedLen), nil
}

// Truncate empties the journal.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	if err := j.file.Truncate(0); err != nil {
		return ErrDiskOperation("Journal.Truncate", err)
	}
	if err := syncFile(j.file); err != nil {
		return ErrDiskOperation("Journal.Truncate", err)
	}
	j.size = 0
	return nil
}

// Size returns the journal length in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Journal) Close() error {
	if j.group != nil {
		j.group.shutdown()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
