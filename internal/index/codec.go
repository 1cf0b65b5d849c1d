package index

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"travel-vault/internal/model"
)

const formatVersion = 1

// snapshotFile 是索引在磁盘上的结构（zstd 压缩的 JSON）。
type snapshotFile struct {
	Version   int                   `json:"version"`
	Dimension int                   `json:"dimension"`
	Count     int                   `json:"count"`
	Vectors   [][]float32           `json:"vectors"`
	Metadata  []model.EntryMetadata `json:"metadata"`
}

// LoadOrCreate 加载 path 处的索引。文件不存在时返回维度为 0 的空索引；
// 无法解码或结构不一致时返回 model.ErrCorruptIndex。
func LoadOrCreate(path string) (*Index, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	return decode(f)
}

func decode(r io.Reader) (*Index, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorruptIndex, err)
	}
	defer dec.Close()

	var snap snapshotFile
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", model.ErrCorruptIndex, err)
	}
	if snap.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", model.ErrCorruptIndex, snap.Version)
	}
	if snap.Count != len(snap.Vectors) || snap.Count != len(snap.Metadata) {
		return nil, fmt.Errorf("%w: header count %d, vectors %d, metadata %d",
			model.ErrCorruptIndex, snap.Count, len(snap.Vectors), len(snap.Metadata))
	}
	if snap.Count > 0 && snap.Dimension <= 0 {
		return nil, fmt.Errorf("%w: non-empty index with dimension %d", model.ErrCorruptIndex, snap.Dimension)
	}

	idx := &Index{dimension: snap.Dimension, entries: make([]model.IndexEntry, snap.Count)}
	for i, vec := range snap.Vectors {
		if len(vec) != snap.Dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, header says %d",
				model.ErrCorruptIndex, i, len(vec), snap.Dimension)
		}
		idx.entries[i] = model.IndexEntry{Vector: vec, Metadata: snap.Metadata[i]}
	}
	return idx, nil
}

func encode(w io.Writer, idx *Index) error {
	snap := snapshotFile{
		Version:   formatVersion,
		Dimension: idx.dimension,
		Count:     len(idx.entries),
		Vectors:   make([][]float32, len(idx.entries)),
		Metadata:  make([]model.EntryMetadata, len(idx.entries)),
	}
	for i, e := range idx.entries {
		snap.Vectors[i] = e.Vector
		snap.Metadata[i] = e.Metadata
	}
	return encodeSnapshot(w, &snap)
}

func encodeSnapshot(w io.Writer, snap *snapshotFile) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Save 原子地把索引写入 path：同目录临时文件、fsync、rename，再 fsync 目录。
// 失败时原文件保持不变。
func Save(idx *Index, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := encode(buf, idx); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
