package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/fsnotify/fsnotify"

	"github.com/taskmesh/substrate/internal/obslog"
)

const (
	blobMagic       = "SCB1"
	blobVersion     = 1
	blobFlagGzip    = byte(1 << 0)
	blobHeaderBytes = 4 + 1 + 1 + 8 + 8 + 4 // magic, version, flags, created, ttl, payloadLen
	blobExt         = ".blob"
	indexFilename   = "_index.json"
)

var sanitizeKeyRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// DiskStore is the warm tier: content-addressed blobs on the local
// filesystem, optionally gzip-compressed, each prefixed with a fixed
// binary header so expiry survives a process restart. A bloom filter
// fronts existence checks so a pure miss never touches the filesystem,
// and an fsnotify watcher drops files removed out from under the process
// (e.g. by an operator clearing the directory) from the in-memory index.
// The bloom filter keeps such names; a lookup on one falls through to a
// failed file read.
type DiskStore struct {
	dir      string
	compress bool
	logger   *obslog.Logger

	mu     sync.Mutex
	filter *bloom.BloomFilter
	known  map[string]indexRecord // filename -> metadata, mirrors the journal

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type indexRecord struct {
	Filename  string `json:"filename"`
	CreatedMs int64  `json:"created_ms"`
	TTLMs     int64  `json:"ttl_ms"`
}

// NewDiskStore constructs a DiskStore rooted at dir. dir is created on
// Load if it does not exist.
func NewDiskStore(dir string, compress bool, logger *obslog.Logger) *DiskStore {
	if logger == nil {
		logger = obslog.GetGlobal()
	}
	return &DiskStore{
		dir:      dir,
		compress: compress,
		logger:   logger.WithComponent("cache.disk"),
		filter:   bloom.NewWithEstimates(100000, 0.01),
		known:    make(map[string]indexRecord),
	}
}

// Load creates dir if needed, replays the index journal if present and
// uncorrupted, otherwise scans dir directly, and starts the fsnotify
// watcher. Corrupt or expired entries found during either path are
// dropped.
func (d *DiskStore) Load() error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return &CacheBackendError{Op: "mkdir", Inner: err}
	}

	if err := d.loadFromIndex(); err != nil {
		d.logger.Warn("index journal unreadable, falling back to directory scan", map[string]interface{}{"error": err.Error()})
		if err := d.scanDirectory(); err != nil {
			return &CacheBackendError{Op: "scan", Inner: err}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(d.dir); err == nil {
			d.watcher = watcher
			d.stopCh = make(chan struct{})
			d.wg.Add(1)
			go d.watchLoop()
		} else {
			watcher.Close()
		}
	}
	return nil
}

func (d *DiskStore) loadFromIndex() error {
	path := filepath.Join(d.dir, indexFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []indexRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UnixMilli()
	for _, rec := range records {
		if rec.TTLMs > 0 && now > rec.CreatedMs+rec.TTLMs {
			os.Remove(filepath.Join(d.dir, rec.Filename))
			continue
		}
		if _, err := os.Stat(filepath.Join(d.dir, rec.Filename)); err != nil {
			continue
		}
		d.known[rec.Filename] = rec
		d.filter.AddString(rec.Filename)
	}
	return nil
}

func (d *DiskStore) scanDirectory() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != blobExt {
			continue
		}
		header, err := readHeaderFile(filepath.Join(d.dir, ent.Name()))
		if err != nil {
			os.Remove(filepath.Join(d.dir, ent.Name()))
			continue
		}
		if header.ttlMs > 0 && time.Now().UnixMilli() > header.createdMs+header.ttlMs {
			os.Remove(filepath.Join(d.dir, ent.Name()))
			continue
		}
		d.known[ent.Name()] = indexRecord{Filename: ent.Name(), CreatedMs: header.createdMs, TTLMs: header.ttlMs}
		d.filter.AddString(ent.Name())
	}
	return nil
}

func (d *DiskStore) watchLoop() {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				d.mu.Lock()
				delete(d.known, filepath.Base(ev.Name))
				d.mu.Unlock()
			}
		case <-d.stopCh:
			return
		}
	}
}

// Save writes the index journal for a clean shutdown and stops the
// watcher. Idempotent.
func (d *DiskStore) Save() error {
	if d.stopCh != nil {
		select {
		case <-d.stopCh:
		default:
			close(d.stopCh)
		}
		d.wg.Wait()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}

	d.mu.Lock()
	records := make([]indexRecord, 0, len(d.known))
	for _, rec := range d.known {
		records = append(records, rec)
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &CacheBackendError{Op: "save-index", Inner: err}
	}
	if err := os.WriteFile(filepath.Join(d.dir, indexFilename), data, 0644); err != nil {
		return &CacheBackendError{Op: "save-index", Inner: err}
	}
	return nil
}

// sanitizeKey maps key to a filesystem-safe name, hashing it when it
// contains characters outside [A-Za-z0-9._-].
func sanitizeKey(key string) string {
	if sanitizeKeyRe.MatchString(key) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *DiskStore) pathFor(filename string) string {
	return filepath.Join(d.dir, filename+blobExt)
}

// Put writes key's blob, overwriting any prior entry. ttl<=0 means no
// expiry.
func (d *DiskStore) Put(key string, value []byte, ttl time.Duration) error {
	filename := sanitizeKey(key)
	now := time.Now()

	payload := value
	flags := byte(0)
	if d.compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(value); err != nil {
			return &CacheBackendError{Op: "compress", Inner: err}
		}
		if err := gw.Close(); err != nil {
			return &CacheBackendError{Op: "compress", Inner: err}
		}
		payload = buf.Bytes()
		flags |= blobFlagGzip
	}

	var out bytes.Buffer
	out.WriteString(blobMagic)
	out.WriteByte(blobVersion)
	out.WriteByte(flags)
	writeUint64(&out, uint64(now.UnixMilli()))
	writeUint64(&out, uint64(ttl.Milliseconds()))
	writeUint32(&out, uint32(len(payload)))

	keyBytes := []byte(key)
	writeUint16(&out, uint16(len(keyBytes)))
	out.Write(keyBytes)
	out.Write(payload)

	path := d.pathFor(filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0644); err != nil {
		return &CacheBackendError{Op: "write", Inner: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &CacheBackendError{Op: "write", Inner: err}
	}

	d.mu.Lock()
	d.known[filename+blobExt] = indexRecord{
		Filename:  filename + blobExt,
		CreatedMs: now.UnixMilli(),
		TTLMs:     ttl.Milliseconds(),
	}
	d.filter.AddString(filename + blobExt)
	d.mu.Unlock()
	return nil
}

// Get reads key's blob. A missing, expired, or corrupt blob is treated as
// a miss; corruption is logged, never propagated to the caller.
func (d *DiskStore) Get(key string) ([]byte, time.Duration, bool) {
	filename := sanitizeKey(key) + blobExt

	d.mu.Lock()
	maybeExists := d.filter.TestString(filename)
	d.mu.Unlock()
	if !maybeExists {
		return nil, 0, false
	}

	data, err := os.ReadFile(d.pathFor(sanitizeKey(key)))
	if err != nil {
		return nil, 0, false
	}

	value, createdMs, ttlMs, err := decodeBlob(data)
	if err != nil {
		d.logger.Warn("disk blob corrupt, dropping", map[string]interface{}{"key": key, "error": err.Error()})
		os.Remove(d.pathFor(sanitizeKey(key)))
		d.mu.Lock()
		delete(d.known, filename)
		d.mu.Unlock()
		return nil, 0, false
	}

	if ttlMs > 0 && time.Now().UnixMilli() > createdMs+ttlMs {
		os.Remove(d.pathFor(sanitizeKey(key)))
		d.mu.Lock()
		delete(d.known, filename)
		d.mu.Unlock()
		return nil, 0, false
	}

	var remaining time.Duration
	if ttlMs > 0 {
		remaining = time.Duration(createdMs+ttlMs-time.Now().UnixMilli()) * time.Millisecond
	}
	return value, remaining, true
}

// Delete removes key's blob if present.
func (d *DiskStore) Delete(key string) {
	filename := sanitizeKey(key)
	os.Remove(d.pathFor(filename))
	d.mu.Lock()
	delete(d.known, filename+blobExt)
	d.mu.Unlock()
}

// Clear removes every known blob and resets the bloom filter.
func (d *DiskStore) Clear() {
	d.mu.Lock()
	for filename := range d.known {
		os.Remove(filepath.Join(d.dir, filename))
	}
	d.known = make(map[string]indexRecord)
	d.filter = bloom.NewWithEstimates(100000, 0.01)
	d.mu.Unlock()
}

type blobHeader struct {
	createdMs int64
	ttlMs     int64
}

func readHeaderFile(path string) (blobHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return blobHeader{}, err
	}
	defer f.Close()
	buf := make([]byte, blobHeaderBytes)
	if _, err := io.ReadFull(f, buf); err != nil {
		return blobHeader{}, err
	}
	if string(buf[0:4]) != blobMagic {
		return blobHeader{}, fmt.Errorf("bad magic")
	}
	created := int64(binary.BigEndian.Uint64(buf[6:14]))
	ttl := int64(binary.BigEndian.Uint64(buf[14:22]))
	return blobHeader{createdMs: created, ttlMs: ttl}, nil
}

func decodeBlob(data []byte) (value []byte, createdMs, ttlMs int64, err error) {
	if len(data) < blobHeaderBytes {
		return nil, 0, 0, fmt.Errorf("truncated header")
	}
	if string(data[0:4]) != blobMagic {
		return nil, 0, 0, fmt.Errorf("bad magic")
	}
	version := data[4]
	if version != blobVersion {
		return nil, 0, 0, fmt.Errorf("unsupported version %d", version)
	}
	flags := data[5]
	createdMs = int64(binary.BigEndian.Uint64(data[6:14]))
	ttlMs = int64(binary.BigEndian.Uint64(data[14:22]))
	payloadLen := binary.BigEndian.Uint32(data[22:26])

	rest := data[blobHeaderBytes:]
	if len(rest) < 2 {
		return nil, 0, 0, fmt.Errorf("truncated key prefix")
	}
	keyLen := binary.BigEndian.Uint16(rest[0:2])
	rest = rest[2:]
	if len(rest) < int(keyLen) {
		return nil, 0, 0, fmt.Errorf("truncated key")
	}
	rest = rest[keyLen:]

	if uint32(len(rest)) < payloadLen {
		return nil, 0, 0, fmt.Errorf("truncated payload")
	}
	payload := rest[:payloadLen]

	if flags&blobFlagGzip != 0 {
		gr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, 0, 0, err
		}
		defer gr.Close()
		value, err = io.ReadAll(gr)
		if err != nil {
			return nil, 0, 0, err
		}
	} else {
		value = payload
	}
	return value, createdMs, ttlMs, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
