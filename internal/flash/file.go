package flash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/muurk/corsacota/internal/logging"
)

const (
	bootRecordFile = "otadata.yaml"

	// DefaultPartitions is the number of firmware slots of a file store.
	DefaultPartitions = 2

	// DefaultPartitionSize bounds an image written to a file store.
	DefaultPartitionSize = 16 << 20
)

// BootRecord is the persisted boot selection of a FileFlasher.
type BootRecord struct {
	Boot      string    `yaml:"boot"`
	Size      int64     `yaml:"size"`
	SHA256    string    `yaml:"sha256"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type imageInfo struct {
	size   int64
	digest string
}

// FileFlasher stores firmware partitions as files in a directory:
// ota_<n>.bin per partition plus an otadata.yaml boot record. It is the
// host stand-in for an on-chip partition table.
type FileFlasher struct {
	dir        string
	partitions []*Partition
	running    *Partition
	recordErr  error
	finalized  map[string]imageInfo
}

// NewFileFlasher opens or creates a partition store in dir with count
// partitions of size bytes each.
func NewFileFlasher(dir string, count int, size int64) (*FileFlasher, error) {
	if count <= 0 {
		count = DefaultPartitions
	}
	if size <= 0 {
		size = DefaultPartitionSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	f := &FileFlasher{
		dir:       dir,
		finalized: make(map[string]imageInfo),
	}
	for i := 0; i < count; i++ {
		label := fmt.Sprintf("ota_%d", i)
		f.partitions = append(f.partitions, &Partition{
			Label: label,
			Index: i,
			Size:  size,
			Path:  filepath.Join(dir, label+".bin"),
		})
	}

	// The running partition is fixed for the lifetime of the process: a new
	// boot selection only takes effect after a restart.
	f.running = f.partitions[0]
	record, err := f.ReadBootRecord()
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		f.recordErr = err
	default:
		if p := f.lookup(record.Boot); p != nil {
			f.running = p
		} else {
			f.recordErr = fmt.Errorf("%w: unknown boot partition %q", ErrSelectInfoInvalid, record.Boot)
		}
	}

	logging.Debug("Partition store opened",
		zap.String("dir", dir),
		zap.Int("partitions", count),
		zap.String("running", f.running.Label),
	)
	return f, nil
}

// Partitions returns the partition table.
func (f *FileFlasher) Partitions() []*Partition {
	return f.partitions
}

func (f *FileFlasher) lookup(label string) *Partition {
	for _, p := range f.partitions {
		if p.Label == label {
			return p
		}
	}
	return nil
}

func (f *FileFlasher) owns(p *Partition) bool {
	return p != nil && p.Index >= 0 && p.Index < len(f.partitions) && f.partitions[p.Index] == p
}

// RunningPartition implements Flasher.
func (f *FileFlasher) RunningPartition() (*Partition, error) {
	return f.running, nil
}

// NextUpdatePartition implements Flasher. It returns the partition after
// the running one, wrapping around.
func (f *FileFlasher) NextUpdatePartition() (*Partition, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	if len(f.partitions) < 2 {
		return nil, ErrNotFound
	}
	return f.partitions[(f.running.Index+1)%len(f.partitions)], nil
}

// Begin implements Flasher. The image is written to a temporary file that
// replaces the partition file on End.
func (f *FileFlasher) Begin(p *Partition, size int64) (Update, error) {
	if !f.owns(p) {
		return nil, fmt.Errorf("%w: partition not in table", ErrInvalidArg)
	}
	if p == f.running {
		return nil, fmt.Errorf("%w: %s is the running partition", ErrInvalidArg, p.Label)
	}
	if size > p.Size {
		return nil, fmt.Errorf("%w: %d bytes, partition %s holds %d", ErrInvalidSize, size, p.Label, p.Size)
	}

	delete(f.finalized, p.Label)

	tmp := p.Path + ".part"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlashOp, err)
	}

	logging.Debug("Partition erased",
		zap.String("partition", p.Label),
		zap.Int64("image_size", size),
	)

	return &fileUpdate{
		flasher:   f,
		partition: p,
		file:      file,
		tmp:       tmp,
		expected:  size,
		hash:      sha256.New(),
	}, nil
}

// SetBootPartition implements Flasher.
func (f *FileFlasher) SetBootPartition(p *Partition) error {
	if !f.owns(p) {
		return fmt.Errorf("%w: partition not in table", ErrInvalidArg)
	}
	info, ok := f.finalized[p.Label]
	if !ok {
		return fmt.Errorf("%w: %s holds no finalized image", ErrValidateFailed, p.Label)
	}

	record := &BootRecord{
		Boot:      p.Label,
		Size:      info.size,
		SHA256:    info.digest,
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.writeBootRecord(record); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashOp, err)
	}

	logging.Info("Boot partition set",
		zap.String("partition", p.Label),
		zap.Int64("size", info.size),
		zap.String("sha256", info.digest),
	)
	return nil
}

// ReadBootRecord loads otadata.yaml.
func (f *FileFlasher) ReadBootRecord() (*BootRecord, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, bootRecordFile))
	if err != nil {
		return nil, err
	}

	var record BootRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSelectInfoInvalid, err)
	}
	return &record, nil
}

// writeBootRecord performs an atomic write to prevent corruption on crash.
func (f *FileFlasher) writeBootRecord(record *BootRecord) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal boot record: %w", err)
	}

	path := filepath.Join(f.dir, bootRecordFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary boot record: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save boot record: %w", err)
	}
	return nil
}

type fileUpdate struct {
	flasher   *FileFlasher
	partition *Partition
	file      *os.File
	tmp       string
	expected  int64
	written   int64
	hash      hash.Hash
	closed    bool
}

func (u *fileUpdate) Write(p []byte) (int, error) {
	if u.closed {
		return 0, fmt.Errorf("%w: update already closed", ErrInvalidArg)
	}
	if u.written+int64(len(p)) > u.partition.Size {
		return 0, fmt.Errorf("%w: write past end of %s", ErrInvalidSize, u.partition.Label)
	}

	n, err := u.file.Write(p)
	u.written += int64(n)
	u.hash.Write(p[:n])
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrFlashOp, err)
	}
	return n, nil
}

func (u *fileUpdate) End() error {
	if u.closed {
		return fmt.Errorf("%w: update already closed", ErrInvalidArg)
	}
	u.closed = true

	if u.written == 0 || (u.expected > 0 && u.written != u.expected) {
		u.discard()
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrValidateFailed, u.written, u.expected)
	}

	if err := u.file.Sync(); err != nil {
		u.discard()
		return fmt.Errorf("%w: %v", ErrFlashOp, err)
	}
	if err := u.file.Close(); err != nil {
		os.Remove(u.tmp)
		return fmt.Errorf("%w: %v", ErrFlashOp, err)
	}
	if err := os.Rename(u.tmp, u.partition.Path); err != nil {
		os.Remove(u.tmp)
		return fmt.Errorf("%w: %v", ErrFlashOp, err)
	}

	u.flasher.finalized[u.partition.Label] = imageInfo{
		size:   u.written,
		digest: hex.EncodeToString(u.hash.Sum(nil)),
	}
	return nil
}

func (u *fileUpdate) Abort() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return u.discard()
}

func (u *fileUpdate) discard() error {
	err := u.file.Close()
	if rmErr := os.Remove(u.tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = multierr.Append(err, rmErr)
	}
	return err
}
