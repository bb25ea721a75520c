package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// The WAL is a sequence of length-prefixed records, each holding one
// encoded WriteBatch. Every record is framed as a 4-byte CRC32C, a
// 4-byte little-endian length, then the payload; torn tails are cut at
// the first record whose checksum fails.
var walCRCTable = crc32.MakeTable(crc32.Castagnoli)

type walWriter struct {
	f *os.File
}

func newWALWriter(path string) (*walWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &walWriter{f: f}, nil
}

// Append writes one framed record and optionally fsyncs.
func (w *walWriter) Append(payload []byte, sync bool) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	crc := crc32.Checksum(payload, walCRCTable)
	binary.LittleEndian.PutUint32(hdr[:4], crc)
	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		return err
	}
	if sync {
		return w.f.Sync()
	}
	return nil
}

func (w *walWriter) Close() error { return w.f.Close() }

type walReader struct {
	f *os.File
}

func openWALReader(path string) (*walReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &walReader{f: f}, nil
}

// Next returns the next record's payload, or io.EOF. A checksum mismatch
// or a short header/payload read is treated as the end of a possibly
// torn final write (the engine does not fsync every record) and surfaces
// as io.EOF rather than Corruption, wherever in the file it occurs; only
// other read errors are returned as errors.
func (r *walReader) Next() ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.f, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	wantCRC := binary.LittleEndian.Uint32(hdr[:4])
	length := binary.LittleEndian.Uint32(hdr[4:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.f, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if crc32.Checksum(payload, walCRCTable) != wantCRC {
		return nil, io.EOF
	}
	return payload, nil
}

func (r *walReader) Close() error { return r.f.Close() }

func walPath(dir string, fileNum uint64) string {
	return fmt.Sprintf("%s/%06d.log", dir, fileNum)
}

func tablePath(dir string, fileNum uint64) string {
	return fmt.Sprintf("%s/%06d.ldb", dir, fileNum)
}

func manifestPath(dir string, fileNum uint64) string {
	return fmt.Sprintf("%s/MANIFEST-%06d", dir, fileNum)
}
