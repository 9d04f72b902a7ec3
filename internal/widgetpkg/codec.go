package widgetpkg

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"glance/internal/widget"
)

// maxPayloadBytes caps the decompressed size of a package.
const maxPayloadBytes = 8 << 20

// Encode serializes pkg into a package string.
func Encode(pkg *Package) (string, error) {
	data, err := json.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("encode package: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compress package: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress package: %w", err)
	}

	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeDefinition packages def with an optional author.
func EncodeDefinition(def *widget.Definition, author string) (string, error) {
	return Encode(FromDefinition(def, author))
}

// Decode parses a package string. Failures are *DecodeError values whose
// Kind tells the cases apart.
func Decode(s string) (*Package, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, Prefix) {
		return nil, decodeError(KindMissingPrefix, "not a glance widget package: missing %s prefix", Prefix)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, Prefix))
	if payload == "" {
		return nil, decodeError(KindEmptyPayload, "package payload is empty")
	}

	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, decodeError(KindInvalid, "package payload is not valid base64: %v", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, decodeError(KindInvalid, "package payload is not compressed data: %v", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, maxPayloadBytes+1))
	if err != nil {
		return nil, decodeError(KindInvalid, "decompress package: %v", err)
	}
	if len(data) > maxPayloadBytes {
		return nil, decodeError(KindInvalid, "package exceeds %d bytes", maxPayloadBytes)
	}

	var header struct {
		Version int    `json:"version"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, decodeError(KindInvalid, "package is not valid JSON: %v", err)
	}
	if header.Version != Version {
		return nil, decodeError(KindVersionMismatch, "unsupported package version %d (expected %d)", header.Version, Version)
	}
	if header.Type != Type {
		return nil, decodeError(KindTypeMismatch, "unsupported package type %q (expected %q)", header.Type, Type)
	}

	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, decodeError(KindInvalid, "malformed package: %v", err)
	}
	return &pkg, nil
}
