package fileserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// blobStore writes and reads opaque FileSlot blobs under uploadDir, named
// by hex(fileId). Uploads land in a temp file and are atomically renamed
// into place, the way the teacher's internal/blob store handles arbitrary
// binary uploads.
type blobStore struct {
	dir string
}

func newBlobStore(dir string) (*blobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver: create upload dir: %w", err)
	}
	return &blobStore{dir: dir}, nil
}

func (b *blobStore) path(fileIDHex string) string {
	return filepath.Join(b.dir, fileIDHex)
}

func (b *blobStore) exists(fileIDHex string) bool {
	_, err := os.Stat(b.path(fileIDHex))
	return err == nil
}

func (b *blobStore) size(fileIDHex string) (int64, error) {
	info, err := os.Stat(b.path(fileIDHex))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// createSink opens a fresh temp file for an incoming upload. The caller
// must call commit or abort exactly once.
func (b *blobStore) createSink(fileIDHex string) (*sink, error) {
	f, err := os.CreateTemp(b.dir, ".upload-"+fileIDHex+"-*")
	if err != nil {
		return nil, fmt.Errorf("fileserver: create temp sink: %w", err)
	}
	return &sink{store: b, fileIDHex: fileIDHex, file: f, tempPath: f.Name()}, nil
}

type sink struct {
	store     *blobStore
	fileIDHex string
	file      *os.File
	tempPath  string
}

func (s *sink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// commit closes and atomically renames the temp file into its final slot.
func (s *sink) commit() error {
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("fileserver: close sink: %w", err)
	}
	if err := os.Rename(s.tempPath, s.store.path(s.fileIDHex)); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("fileserver: commit sink: %w", err)
	}
	return nil
}

// abort discards a partially-written upload.
func (s *sink) abort() {
	_ = s.file.Close()
	_ = os.Remove(s.tempPath)
}

func (b *blobStore) open(fileIDHex string) (*os.File, error) {
	return os.Open(b.path(fileIDHex))
}

func (b *blobStore) remove(fileIDHex string) error {
	return os.Remove(b.path(fileIDHex))
}

var _ io.Writer = (*sink)(nil)
