package forward

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"

	"fluentsink/internal/logging"
	"fluentsink/internal/telemetry"
)

const (
	backupPrefix = "fluentsink-"
	backupSuffix = ".buf"
)

// backupRecord is the on-disk form of one chunk: a CBOR record inside an
// LZ4 frame.
type backupRecord struct {
	Tag     string `cbor:"1,keyasint"`
	Count   int    `cbor:"2,keyasint"`
	Entries []byte `cbor:"3,keyasint"`
	SavedAt int64  `cbor:"4,keyasint"`
}

type backupStore struct {
	dir string
	seq atomic.Uint64
}

func openBackup(dir string) (*backupStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("forward: backup dir: %w", err)
	}
	return &backupStore{dir: dir}, nil
}

// save writes c to a new file. The file appears atomically via rename.
func (s *backupStore) save(c *chunk) (string, error) {
	name := fmt.Sprintf("%s%d-%06d%s", backupPrefix, time.Now().UnixNano(), s.seq.Add(1), backupSuffix)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("forward: backup create: %w", err)
	}
	zw := lz4.NewWriter(f)
	rec := backupRecord{Tag: c.tag, Count: c.count, Entries: c.buf.Bytes(), SavedAt: time.Now().Unix()}
	if err := cbor.NewEncoder(zw).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("forward: backup encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("forward: backup flush: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("forward: backup close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("forward: backup rename: %w", err)
	}
	telemetry.BackupChunksTotal.WithLabelValues("saved").Inc()
	return path, nil
}

// load reads every backup file, oldest first. Unreadable files are
// renamed with a .corrupt suffix and skipped.
func (s *backupStore) load() ([]*chunk, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("forward: backup list: %w", err)
	}
	var paths []string
	for _, e := range names {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, backupPrefix) && strings.HasSuffix(n, backupSuffix) {
			paths = append(paths, filepath.Join(s.dir, n))
		}
	}
	sort.Strings(paths)

	log := logging.For("forward")
	var out []*chunk
	for _, p := range paths {
		rec, err := readBackup(p)
		if err != nil {
			log.Warn("skipping unreadable backup file", "path", p, "err", err)
			_ = os.Rename(p, p+".corrupt")
			continue
		}
		out = append(out, &chunk{
			tag:        rec.Tag,
			buf:        bytes.NewBuffer(rec.Entries),
			count:      rec.Count,
			backupPath: p,
		})
		telemetry.BackupChunksTotal.WithLabelValues("restored").Inc()
	}
	return out, nil
}

func readBackup(path string) (backupRecord, error) {
	var rec backupRecord
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	if err := cbor.NewDecoder(lz4.NewReader(f)).Decode(&rec); err != nil {
		return rec, err
	}
	if rec.Tag == "" {
		return rec, fmt.Errorf("backup record has no tag")
	}
	return rec, nil
}

func (s *backupStore) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.For("forward").Warn("could not remove backup file", "path", path, "err", err)
	}
}
