package jit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Cache entry layout. Each build owns one directory named by entryName
// containing the exact source that was compiled, the shared object, and
// a JSON sidecar describing how the artifact was produced.
const (
	sourceFileName   = "kernel.cu"
	artifactFileName = "kernel.so"
	metaFileName     = "kernel.json"
	tempDirName      = "tmp"
)

// entryMeta is the sidecar record. For successful builds it carries the
// artifact checksum that lookup verifies; for failed builds it carries
// the compiler diagnostics and no checksum, and is never treated as a
// cache hit.
type entryMeta struct {
	Name           string    `json:"name"`
	Key            string    `json:"key"`
	Signature      string    `json:"signature"`
	Toolchain      string    `json:"toolchain"`
	Command        []string  `json:"command"`
	ExitCode       int       `json:"exit_code"`
	Output         string    `json:"output,omitempty"`
	ArtifactSHA256 string    `json:"artifact_sha256,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// cache is the on-disk artifact store. All writes go through a temp file
// in tmp/ under the same root followed by a rename, so concurrent
// processes sharing the root never observe partial files. The worst case
// under a cross-process race is the same artifact being built twice; the
// second rename atomically replaces the first with identical content.
type cache struct {
	root string
}

func openCache(root string) (*cache, error) {
	if err := os.MkdirAll(filepath.Join(root, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &cache{root: root}, nil
}

func (c *cache) entryDir(entry string) string {
	return filepath.Join(c.root, entry)
}

func (c *cache) sourcePath(entry string) string {
	return filepath.Join(c.root, entry, sourceFileName)
}

func (c *cache) artifactPath(entry string) string {
	return filepath.Join(c.root, entry, artifactFileName)
}

func (c *cache) metaPath(entry string) string {
	return filepath.Join(c.root, entry, metaFileName)
}

// tempPath returns a fresh unique path inside the cache's temp directory.
// Living under the same root keeps renames on one filesystem.
func (c *cache) tempPath(suffix string) string {
	return filepath.Join(c.root, tempDirName, uuid.NewString()+suffix)
}

// writeFile publishes data at path via temp file and rename.
func (c *cache) writeFile(path string, data []byte) error {
	tmp := c.tempPath(filepath.Ext(path))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// installArtifact publishes an already-written temp file as the entry's
// artifact.
func (c *cache) installArtifact(entry, tmpFile string) error {
	if err := os.Rename(tmpFile, c.artifactPath(entry)); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

func (c *cache) writeSource(entry string, source []byte) error {
	if err := os.MkdirAll(c.entryDir(entry), 0o755); err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	return c.writeFile(c.sourcePath(entry), source)
}

func (c *cache) writeMeta(entry string, meta *entryMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return c.writeFile(c.metaPath(entry), append(data, '\n'))
}

// lookup classifies an entry:
//
//	(meta, nil)  verified hit: sidecar records success and the artifact
//	             checksum matches
//	(nil, nil)   miss: nothing installed, or only a failed-build sidecar
//	(nil, *CacheCorruptionError)  entry exists but fails integrity
//
// A failed-build sidecar is deliberately a miss, not corruption: failures
// are never cached and the next build overwrites the diagnostics.
func (c *cache) lookup(entry, key string) (*entryMeta, error) {
	data, err := os.ReadFile(c.metaPath(entry))
	if os.IsNotExist(err) {
		if _, serr := os.Stat(c.artifactPath(entry)); serr == nil {
			return nil, &CacheCorruptionError{Key: key, Path: c.artifactPath(entry), Reason: "artifact without sidecar"}
		}
		return nil, nil
	}
	if err != nil {
		return nil, &CacheCorruptionError{Key: key, Path: c.metaPath(entry), Reason: err.Error()}
	}

	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &CacheCorruptionError{Key: key, Path: c.metaPath(entry), Reason: "sidecar unreadable: " + err.Error()}
	}
	if meta.ExitCode != 0 {
		return nil, nil
	}
	if meta.ArtifactSHA256 == "" {
		return nil, &CacheCorruptionError{Key: key, Path: c.metaPath(entry), Reason: "sidecar missing artifact checksum"}
	}

	sum, err := sha256File(c.artifactPath(entry))
	if err != nil {
		return nil, &CacheCorruptionError{Key: key, Path: c.artifactPath(entry), Reason: "artifact unreadable: " + err.Error()}
	}
	if sum != meta.ArtifactSHA256 {
		return nil, &CacheCorruptionError{Key: key, Path: c.artifactPath(entry), Reason: "artifact checksum mismatch"}
	}
	return &meta, nil
}

// purge removes an entry wholesale. Used to recover from corruption
// before rebuilding.
func (c *cache) purge(entry string) error {
	return os.RemoveAll(c.entryDir(entry))
}

// clear removes every entry and stray temp file, keeping the root.
func (c *cache) clear() (int, error) {
	names, err := os.ReadDir(c.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, de := range names {
		if !de.IsDir() {
			continue
		}
		if de.Name() == tempDirName {
			if err := os.RemoveAll(filepath.Join(c.root, de.Name())); err != nil {
				return removed, err
			}
			if err := os.MkdirAll(filepath.Join(c.root, tempDirName), 0o755); err != nil {
				return removed, err
			}
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, de.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// CacheEntry describes one cache directory for inspection tooling.
type CacheEntry struct {
	// Dir is the directory name under the cache root.
	Dir string `json:"dir"`

	// Name and Key identify the build. Empty when the sidecar is
	// unreadable.
	Name string `json:"name"`
	Key  string `json:"key"`

	// Toolchain is the recorded toolchain identity.
	Toolchain string `json:"toolchain"`

	// Status is "ok", "failed", or "corrupt".
	Status string `json:"status"`

	// SizeBytes is the artifact size for ok entries.
	SizeBytes int64 `json:"size_bytes"`

	// CreatedAt is the build time from the sidecar.
	CreatedAt time.Time `json:"created_at"`

	// Detail carries the corruption reason or failure diagnostics.
	Detail string `json:"detail,omitempty"`
}

// entries scans the cache root and classifies every entry, verifying
// artifact checksums. Results are sorted by directory name.
func (c *cache) entries() ([]CacheEntry, error) {
	des, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	var out []CacheEntry
	for _, de := range des {
		if !de.IsDir() || de.Name() == tempDirName {
			continue
		}
		out = append(out, c.classify(de.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

func (c *cache) classify(entry string) CacheEntry {
	ce := CacheEntry{Dir: entry}

	data, err := os.ReadFile(c.metaPath(entry))
	if err != nil {
		ce.Status = "corrupt"
		ce.Detail = "sidecar unreadable"
		return ce
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		ce.Status = "corrupt"
		ce.Detail = "sidecar unreadable: " + err.Error()
		return ce
	}
	ce.Name = meta.Name
	ce.Key = meta.Key
	ce.Toolchain = meta.Toolchain
	ce.CreatedAt = meta.CreatedAt

	if meta.ExitCode != 0 {
		ce.Status = "failed"
		ce.Detail = meta.Output
		return ce
	}

	if _, err := c.lookup(entry, meta.Key); err != nil {
		ce.Status = "corrupt"
		var corrupt *CacheCorruptionError
		if errors.As(err, &corrupt) {
			ce.Detail = corrupt.Reason
		} else {
			ce.Detail = err.Error()
		}
		return ce
	}

	ce.Status = "ok"
	if fi, err := os.Stat(c.artifactPath(entry)); err == nil {
		ce.SizeBytes = fi.Size()
	}
	return ce
}

// sha256File hashes a file's contents.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
