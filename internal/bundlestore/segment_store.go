package bundlestore

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

const (
	osCreateTruncRW = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	osReadWrite     = os.O_RDWR
)

// DiskConfig describes one storage stripe: a backing file path and the
// number of fixed-size segments it is pre-sized to hold.
type DiskConfig struct {
	Path            string
	SegmentsPerDisk uint32
}

// SegmentStore owns the N pre-sized, fixed-size-segment files backing the
// engine — one per configured disk. It never grows a file: outside
// restore mode every path is truncated/created to exactly
// SegmentsPerDisk*SegmentSize bytes at construction, per the
// no-file-growth non-goal; in restore mode existing files are opened
// as they are, without a size check. Reads and writes are
// byte-exact; anything short is a fatal engine error (§4.1).
//
// Files are opened through an afero.Fs so tests can run against
// afero.NewMemMapFs() without touching a real disk, while production
// wires afero.NewOsFs().
type SegmentStore struct {
	fs              afero.Fs
	segmentSize     uint32
	autoDeleteFiles bool
	disks           []diskFile
}

type diskFile struct {
	path            string
	segmentsPerDisk uint32
	file            afero.File
}

// NewSegmentStore opens (and, unless restoring, truncates/creates) one
// file per disk config. segmentSize must match across every disk in a
// deployment; it is a construction-time parameter, not persisted.
func NewSegmentStore(fs afero.Fs, disks []DiskConfig, segmentSize uint32, restoreExisting bool, autoDeleteFilesOnExit bool) (*SegmentStore, error) {
	if segmentSize <= segmentHeaderSize {
		return nil, fmt.Errorf("bundlestore: segment size %d must exceed header size %d", segmentSize, segmentHeaderSize)
	}
	s := &SegmentStore{
		fs:              fs,
		segmentSize:     segmentSize,
		autoDeleteFiles: autoDeleteFilesOnExit,
		disks:           make([]diskFile, len(disks)),
	}
	for i, d := range disks {
		wantSize := int64(d.SegmentsPerDisk) * int64(segmentSize)
		flag := fileOpenFlagCreateTruncate
		if restoreExisting {
			flag = fileOpenFlagReadWrite
		}
		f, err := openSized(fs, d.Path, wantSize, flag)
		if err != nil {
			return nil, fmt.Errorf("bundlestore: open disk %d (%s): %w", i, d.Path, err)
		}
		s.disks[i] = diskFile{path: d.Path, segmentsPerDisk: d.SegmentsPerDisk, file: f}
	}
	return s, nil
}

type fileOpenFlag int

const (
	fileOpenFlagCreateTruncate fileOpenFlag = iota
	fileOpenFlagReadWrite
)

func openSized(fs afero.Fs, path string, size int64, flag fileOpenFlag) (afero.File, error) {
	switch flag {
	case fileOpenFlagCreateTruncate:
		f, err := fs.OpenFile(path, osCreateTruncRW, 0o644)
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	default:
		f, err := fs.OpenFile(path, osReadWrite, 0o644)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// NumDisks returns the number of configured disks (the striping modulus
// N used by SegmentId -> (disk, offset) mapping).
func (s *SegmentStore) NumDisks() int { return len(s.disks) }

// SegmentSize returns the fixed segment size in bytes.
func (s *SegmentStore) SegmentSize() uint32 { return s.segmentSize }

// PayloadPerSegment returns SegmentSize - segmentHeaderSize.
func (s *SegmentStore) PayloadPerSegment() uint32 { return s.segmentSize - segmentHeaderSize }

// DiskOf returns the stripe index a SegmentId maps to.
func (s *SegmentStore) DiskOf(id SegmentId) int {
	return int(uint32(id) % uint32(len(s.disks)))
}

// IntraDiskIndex returns the intra-disk segment index a SegmentId maps to.
func (s *SegmentStore) IntraDiskIndex(id SegmentId) uint32 {
	return uint32(id) / uint32(len(s.disks))
}

// SegmentsPerDisk returns the configured capacity of one disk.
func (s *SegmentStore) SegmentsPerDisk(diskIx int) uint32 {
	return s.disks[diskIx].segmentsPerDisk
}

// ReadSegment reads exactly SegmentSize bytes for the given disk/intra-disk
// offset into buf. buf must be at least SegmentSize bytes. A short read is
// ErrDiskIO (fatal).
func (s *SegmentStore) ReadSegment(diskIx int, intraDiskIx uint32, buf []byte) error {
	offset := int64(intraDiskIx) * int64(s.segmentSize)
	n, err := s.disks[diskIx].file.ReadAt(buf[:s.segmentSize], offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: disk %d offset %d: %v", ErrDiskIO, diskIx, offset, err)
	}
	if uint32(n) != s.segmentSize {
		return fmt.Errorf("%w: disk %d offset %d: short read %d/%d bytes", ErrDiskIO, diskIx, offset, n, s.segmentSize)
	}
	return nil
}

// WriteSegment writes exactly SegmentSize bytes for the given disk/intra-disk
// offset from buf. A short write is ErrDiskIO (fatal).
func (s *SegmentStore) WriteSegment(diskIx int, intraDiskIx uint32, buf []byte) error {
	offset := int64(intraDiskIx) * int64(s.segmentSize)
	n, err := s.disks[diskIx].file.WriteAt(buf[:s.segmentSize], offset)
	if err != nil {
		return fmt.Errorf("%w: disk %d offset %d: %v", ErrDiskIO, diskIx, offset, err)
	}
	if uint32(n) != s.segmentSize {
		return fmt.Errorf("%w: disk %d offset %d: short write %d/%d bytes", ErrDiskIO, diskIx, offset, n, s.segmentSize)
	}
	return nil
}

// FileSize reports the current on-disk size of one disk's backing file.
// RestoreScanner does not use it; it bounds its scan by SegmentsPerDisk.
func (s *SegmentStore) FileSize(diskIx int) (int64, error) {
	fi, err := s.disks[diskIx].file.Stat()
	if err != nil {
		return 0, fmt.Errorf("bundlestore: stat disk %d: %w", diskIx, err)
	}
	return fi.Size(), nil
}

// Close closes every disk file. If autoDeleteFilesOnExit was set at
// construction, the backing files are removed afterward (test/ephemeral
// deployments only — operational restore leaves files in place).
func (s *SegmentStore) Close() error {
	var firstErr error
	for _, d := range s.disks {
		if err := d.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bundlestore: close disk %s: %w", d.path, err)
		}
	}
	if s.autoDeleteFiles {
		for _, d := range s.disks {
			_ = s.fs.Remove(d.path)
		}
	}
	return firstErr
}
