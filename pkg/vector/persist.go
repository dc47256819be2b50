package vector

import (
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// zstdMagic is zstd's own frame magic number; it prefixes every snapshot
// this package writes, so readFileOrAbsent can tell a compressed snapshot
// from a pre-compression plain-JSON one written by an older build.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// readFileOrAbsent reads path, returning (nil, nil) if it does not exist so
// callers can distinguish "absent" from "corrupt" per the Load(path) (bool,
// error) contract in SPEC_FULL §4.1. Transparently decompresses zstd-framed
// snapshots; a file without the zstd magic is returned as-is.
func readFileOrAbsent(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	if len(data) < 4 || string(data[:4]) != string(zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, memerr.New(memerr.KindPersistence, "vector.Load", err)
	}
	return plain, nil
}

// atomicWriteFile zstd-compresses data and writes it to path via a temp
// file in the same directory followed by os.Rename, the
// temp-file-plus-rename technique pkg/timeindex and pkg/episode also use
// (SPEC_FULL §9 "Atomicity"). Vector Index snapshots are JSON and
// compress well; SpeedDefault trades a little ratio for fast Save/Load on
// the snapshot sizes this engine produces.
func atomicWriteFile(path string, data []byte) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))
	enc.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return memerr.New(memerr.KindPersistence, "vector.Save", err)
	}
	return nil
}
