package crypto

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quantarax/e2ee/internal/chunker"
	"github.com/zeebo/blake3"
)

const (
	chunkAADLabel      = "remotec-e2ee-v1|chunk"
	metadataMACContext = "remotec-e2ee-v1 2026-01 stream metadata mac"
	metadataMACSize    = 32
)

// StreamMetadata describes one encrypted stream. It is the only side channel
// needed to decrypt the stream and must travel (or be stored) with it. It
// holds no secrets; its MAC is keyed from the session's authentication key so
// any change to it is detected before decryption starts.
type StreamMetadata struct {
	KeyVersion    uint32                `json:"key_version"`
	ChunkSize     int                   `json:"chunk_size"`
	ChunkCount    uint64                `json:"chunk_count"`
	OriginalSize  int64                 `json:"original_size"`
	EncryptedSize int64                 `json:"encrypted_size"`
	BaseNonce     [NonceSize]byte       `json:"base_nonce"`
	MAC           [metadataMACSize]byte `json:"mac"`
}

// ChunkOffset returns the byte offset of chunk index in the encrypted stream.
func (m *StreamMetadata) ChunkOffset(index uint64) int64 {
	return int64(index) * int64(m.ChunkSize+TagSize)
}

// ChunkLength returns the plaintext length of chunk index.
func (m *StreamMetadata) ChunkLength(index uint64) int {
	if index+1 < m.ChunkCount {
		return m.ChunkSize
	}
	return int(m.OriginalSize - int64(index)*int64(m.ChunkSize))
}

// EncryptStream reads r to EOF in fixed-size chunks, encrypts each chunk
// independently and writes ciphertext||tag for every chunk to w.
//
// Chunk i uses nonce DeriveNonce(base, i) where base is drawn at random per
// stream, so no two chunks share a nonce. Each chunk's index and a
// final-chunk flag are authenticated, which makes reordering, truncation and
// extension detectable. ctx is checked between chunks; a cancelled stream
// leaves only whole chunks written.
//
// Parameters:
//   - ctx: Cancellation between chunks
//   - r: Plaintext source
//   - w: Ciphertext sink
//   - keys: Active session keys
//   - chunkSize: Plaintext bytes per chunk (0 selects chunker.DefaultChunkSize)
//
// Returns:
//   - StreamMetadata required by DecryptStream
//   - error if reading, writing, or encryption fails
func EncryptStream(ctx context.Context, r io.Reader, w io.Writer, keys *SessionKeys, chunkSize int) (*StreamMetadata, error) {
	if keys == nil {
		return nil, invalidKey("encrypt stream", "session keys are nil")
	}
	if chunkSize == 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	if err := chunker.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	meta := &StreamMetadata{
		KeyVersion: keys.Version,
		ChunkSize:  chunkSize,
	}
	if _, err := rand.Read(meta.BaseNonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate base nonce: %w", err)
	}

	c, err := chunker.NewChunker(r, chunkSize)
	if err != nil {
		return nil, err
	}
	defer c.Wipe()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		nonce := DeriveNonce(meta.BaseNonce, chunk.Index)
		ct, tag, err := seal(keys, &nonce, chunkAAD(keys, chunk.Index, chunk.Last), chunk.Data)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(ct); err != nil {
			return nil, fmt.Errorf("failed to write chunk %d: %w", chunk.Index, err)
		}
		if _, err := w.Write(tag[:]); err != nil {
			return nil, fmt.Errorf("failed to write chunk %d tag: %w", chunk.Index, err)
		}

		meta.ChunkCount++
		meta.OriginalSize += int64(len(chunk.Data))
		meta.EncryptedSize += int64(len(ct) + TagSize)
	}

	meta.MAC = metadataMAC(keys, meta)
	return meta, nil
}

// DecryptStream reverses EncryptStream.
//
// The metadata MAC is checked before anything is read. Every chunk's tag is
// verified before its plaintext is written to w, so w only ever receives
// authenticated data. On the first failure DecryptStream stops and returns a
// KindIntegrity error; the caller must then discard whatever was written,
// which is at most a verified prefix of the original stream. r must end
// with the final chunk: trailing bytes are an integrity failure.
func DecryptStream(ctx context.Context, r io.Reader, w io.Writer, keys *SessionKeys, meta *StreamMetadata) error {
	if keys == nil {
		return invalidKey("decrypt stream", "session keys are nil")
	}
	if err := verifyMetadata(keys, meta); err != nil {
		return err
	}

	buf := make([]byte, meta.ChunkSize+TagSize)
	defer Zero(buf)

	for i := uint64(0); i < meta.ChunkCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := meta.ChunkLength(i)
		if _, err := io.ReadFull(r, buf[:n+TagSize]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return integrityError("decrypt stream", fmt.Errorf("chunk %d: stream truncated", i))
			}
			return fmt.Errorf("failed to read chunk %d: %w", i, err)
		}

		pt, err := openChunk(keys, meta, i, buf[:n+TagSize])
		if err != nil {
			return err
		}
		_, werr := w.Write(pt)
		Zero(pt)
		if werr != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i, werr)
		}
	}

	var extra [1]byte
	n, err := io.ReadFull(r, extra[:])
	if n > 0 {
		return integrityError("decrypt stream", errors.New("trailing data after final chunk"))
	}
	if !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read past final chunk: %w", err)
	}
	return nil
}

// DecryptChunk decrypts a single chunk of an encrypted stream, given the
// chunk's ciphertext||tag as located by meta.ChunkOffset. It allows random
// access (recording playback) and parallel decryption of file-transfer
// chunks.
func DecryptChunk(keys *SessionKeys, meta *StreamMetadata, index uint64, sealed []byte) ([]byte, error) {
	if keys == nil {
		return nil, invalidKey("decrypt chunk", "session keys are nil")
	}
	if err := verifyMetadata(keys, meta); err != nil {
		return nil, err
	}
	if index >= meta.ChunkCount {
		return nil, integrityError("decrypt chunk", fmt.Errorf("chunk %d out of range", index))
	}
	if len(sealed) != meta.ChunkLength(index)+TagSize {
		return nil, integrityError("decrypt chunk", fmt.Errorf("chunk %d has length %d", index, len(sealed)))
	}
	return openChunk(keys, meta, index, sealed)
}

func openChunk(keys *SessionKeys, meta *StreamMetadata, index uint64, sealed []byte) ([]byte, error) {
	n := len(sealed) - TagSize
	var tag [TagSize]byte
	copy(tag[:], sealed[n:])

	nonce := DeriveNonce(meta.BaseNonce, index)
	last := index+1 == meta.ChunkCount
	pt, err := open(keys, &nonce, chunkAAD(keys, index, last), sealed[:n], &tag)
	if err != nil {
		return nil, &Error{Kind: KindIntegrity, Op: "decrypt stream", Err: fmt.Errorf("chunk %d: %w", index, err)}
	}
	return pt, nil
}

func verifyMetadata(keys *SessionKeys, meta *StreamMetadata) error {
	if meta == nil {
		return integrityError("decrypt stream", errors.New("metadata is nil"))
	}
	if meta.KeyVersion != keys.Version {
		return integrityError("decrypt stream", fmt.Errorf("stream sealed under key version %d, have %d", meta.KeyVersion, keys.Version))
	}

	expected := metadataMAC(keys, meta)
	if subtle.ConstantTimeCompare(expected[:], meta.MAC[:]) != 1 {
		return integrityError("decrypt stream", errors.New("metadata MAC mismatch"))
	}

	// A valid MAC implies a well-formed record; these guard buffer sizing.
	if chunker.ValidateChunkSize(meta.ChunkSize) != nil || meta.OriginalSize < 0 {
		return integrityError("decrypt stream", errors.New("malformed metadata"))
	}
	size := int64(meta.ChunkSize)
	if want := uint64((meta.OriginalSize + size - 1) / size); want != meta.ChunkCount {
		return integrityError("decrypt stream", fmt.Errorf("chunk count %d inconsistent with size %d", meta.ChunkCount, meta.OriginalSize))
	}
	return nil
}

func chunkAAD(keys *SessionKeys, index uint64, last bool) []byte {
	aad := make([]byte, 0, len(chunkAADLabel)+len(keys.SessionID)+4+8+1)
	aad = append(aad, chunkAADLabel...)
	aad = append(aad, keys.SessionID[:]...)
	aad = binary.BigEndian.AppendUint32(aad, keys.Version)
	aad = binary.BigEndian.AppendUint64(aad, index)
	if last {
		return append(aad, 1)
	}
	return append(aad, 0)
}

func metadataMAC(keys *SessionKeys, meta *StreamMetadata) [metadataMACSize]byte {
	var macKey [32]byte
	blake3.DeriveKey(metadataMACContext, keys.AuthenticationKey[:], macKey[:])
	defer Zero(macKey[:])

	h, err := blake3.NewKeyed(macKey[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic(err)
	}

	var buf []byte
	buf = append(buf, keys.SessionID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, meta.KeyVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(meta.ChunkSize))
	buf = binary.BigEndian.AppendUint64(buf, meta.ChunkCount)
	buf = binary.BigEndian.AppendUint64(buf, uint64(meta.OriginalSize))
	buf = binary.BigEndian.AppendUint64(buf, uint64(meta.EncryptedSize))
	buf = append(buf, meta.BaseNonce[:]...)
	_, _ = h.Write(buf)

	var out [metadataMACSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
