package index

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"

	"github.com/seshatdb/seshat/libcipher"
)

// Segment and manifest files share one codec: a fixed binary header
// (magic, codec version, payload length, CRC-64/ECMA of the stored
// payload) followed by a gob-encoded payload. When a sealer is configured
// the payload bytes are AEAD-sealed before the checksum is taken, so the
// whole index is opaque at rest.
const (
	segmentMagic  = "SSEG"
	manifestMagic = "SMAN"
	codecVersion  = byte(1)
	headerSize    = 4 + 1 + 4 + 8
)

// ErrCorrupt is returned when an index file fails header or checksum
// validation.
var ErrCorrupt = errors.New("index: corrupted file")

var crcTable = crc64.MakeTable(crc64.ECMA)

func encodePayload(magic string, payload any, sealer *libcipher.Sealer) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("index: encoding %s payload: %w", magic, err)
	}
	body := buf.Bytes()
	if sealer != nil {
		sealed, err := sealer.Seal(body, []byte(magic))
		if err != nil {
			return nil, fmt.Errorf("index: sealing %s payload: %w", magic, err)
		}
		body = sealed
	}
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], magic)
	out[4] = codecVersion
	binary.BigEndian.PutUint32(out[5:9], uint32(len(body)))
	binary.BigEndian.PutUint64(out[9:17], crc64.Checksum(body, crcTable))
	return append(out, body...), nil
}

func decodePayload(raw []byte, magic string, out any, sealer *libcipher.Sealer) error {
	if len(raw) < headerSize {
		return fmt.Errorf("%w: %s header truncated", ErrCorrupt, magic)
	}
	if string(raw[0:4]) != magic {
		return fmt.Errorf("%w: bad magic %q, want %q", ErrCorrupt, raw[0:4], magic)
	}
	if raw[4] != codecVersion {
		return fmt.Errorf("%w: codec version %d, want %d", ErrCorrupt, raw[4], codecVersion)
	}
	length := binary.BigEndian.Uint32(raw[5:9])
	body := raw[headerSize:]
	if uint32(len(body)) != length {
		return fmt.Errorf("%w: %s payload truncated", ErrCorrupt, magic)
	}
	if crc64.Checksum(body, crcTable) != binary.BigEndian.Uint64(raw[9:17]) {
		return fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, magic)
	}
	if sealer != nil {
		opened, err := sealer.Open(body, []byte(magic))
		if err != nil {
			return fmt.Errorf("index: unsealing %s payload: %w", magic, err)
		}
		body = opened
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %v", ErrCorrupt, magic, err)
	}
	return nil
}

func writePayloadFile(path, magic string, payload any, sealer *libcipher.Sealer) error {
	data, err := encodePayload(magic, payload, sealer)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func readPayloadFile(path, magic string, out any, sealer *libcipher.Sealer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("index: reading %s: %w", filepath.Base(path), err)
	}
	return decodePayload(raw, magic, out, sealer)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("index: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("index: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("index: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("index: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("index: renaming temp file: %w", err)
	}
	return nil
}
