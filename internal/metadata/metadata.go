// Package metadata carries metadata of a source file over to its upscaled
// output: PNG text chunks (generation parameters, prompts) and the
// modification time.
package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

var errNotPNG = errors.New("not a PNG file")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Preserver copies metadata from source files to outputs.
type Preserver struct {
	log zerolog.Logger
	now func() time.Time
}

// New creates a Preserver logging through log.
func New(log zerolog.Logger) *Preserver {
	return &Preserver{log: log.With().Str("component", "metadata").Logger(), now: time.Now}
}

// Preserve copies what metadata it can from src to dst. Its signature
// matches the scheduler completion hook.
func (p *Preserver) Preserve(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	if isPNG(src) && isPNG(dst) {
		n, err := copyPNGText(src, dst)
		if err != nil {
			return fmt.Errorf("failed to copy PNG text chunks: %w", err)
		}
		if n > 0 {
			p.log.Debug().Str("output", dst).Int("chunks", n).Msg("copied PNG text chunks")
		}
	}

	if err := os.Chtimes(dst, p.now(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to copy modification time: %w", err)
	}
	return nil
}

func isPNG(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".png")
}

type chunk struct {
	typ string
	raw []byte // length, type, data and CRC exactly as stored
}

func isText(c chunk) bool {
	return c.typ == "tEXt" || c.typ == "iTXt" || c.typ == "zTXt"
}

// readChunks splits a PNG stream into chunks up to and including IEND.
func readChunks(data []byte) ([]chunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errNotPNG
	}

	var chunks []chunk
	for off := len(pngSignature); off < len(data); {
		if len(data)-off < 12 {
			return nil, io.ErrUnexpectedEOF
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		end := off + 12 + n
		if n < 0 || end > len(data) {
			return nil, io.ErrUnexpectedEOF
		}

		c := chunk{typ: string(data[off+4 : off+8]), raw: data[off:end]}
		chunks = append(chunks, c)
		off = end

		if c.typ == "IEND" {
			return chunks, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

// copyPNGText inserts the text chunks of src into dst ahead of its image
// data, replacing any text chunks dst already had. It returns how many
// chunks were copied.
func copyPNGText(src, dst string) (int, error) {
	srcData, err := os.ReadFile(src)
	if err != nil {
		return 0, err
	}
	srcChunks, err := readChunks(srcData)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(src), err)
	}

	var text []chunk
	for _, c := range srcChunks {
		if isText(c) {
			text = append(text, c)
		}
	}
	if len(text) == 0 {
		return 0, nil
	}

	dstData, err := os.ReadFile(dst)
	if err != nil {
		return 0, err
	}
	dstChunks, err := readChunks(dstData)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(dst), err)
	}

	pf, err := renameio.NewPendingFile(dst, renameio.WithExistingPermissions(), renameio.WithTempDir(filepath.Dir(dst)))
	if err != nil {
		return 0, err
	}
	defer pf.Cleanup()

	if err := writeWithText(pf, dstChunks, text); err != nil {
		return 0, err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}

	return len(text), nil
}

// writeWithText writes a PNG made of chunks with text placed ahead of the
// first image data chunk. Text chunks already in chunks are dropped.
func writeWithText(w io.Writer, chunks, text []chunk) error {
	if _, err := w.Write(pngSignature); err != nil {
		return err
	}
	inserted := false
	for _, c := range chunks {
		if isText(c) {
			continue
		}
		if !inserted && (c.typ == "IDAT" || c.typ == "IEND") {
			for _, t := range text {
				if _, err := w.Write(t.raw); err != nil {
					return err
				}
			}
			inserted = true
		}
		if _, err := w.Write(c.raw); err != nil {
			return err
		}
	}
	return nil
}
