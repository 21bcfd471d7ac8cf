// Package output applies a job's output settings to a converted blob, in
// order: gzip compression, watermark envelope, password protection. Each step
// is skipped when its setting is empty.
//
// Layout of a fully processed artifact:
//
//	EXQP1\n | salt(16) | nonce(12) | AES-256-GCM( EXQW1\n | header JSON \n | gzip(data) )
//
// Unwrap reverses the steps.
package output

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

var (
	watermarkMagic = []byte("EXQW1\n")
	protectedMagic = []byte("EXQP1\n")
)

var (
	// ErrPasswordRequired is returned by Unwrap for protected data without a password.
	ErrPasswordRequired = errors.New("output: password required")
	// ErrWrongPassword is returned when decryption fails.
	ErrWrongPassword = errors.New("output: wrong password or corrupted data")
	// ErrInvalidLevel is returned for compression levels outside 0-9.
	ErrInvalidLevel = errors.New("output: compression level must be between 0 and 9")
)

const (
	saltSize = 16
	keySize  = 32
)

// WatermarkHeader is the metadata line of a watermark envelope.
type WatermarkHeader struct {
	Watermark  string      `json:"watermark"`
	JobID      types.JobID `json:"job_id"`
	AppliedAt  time.Time   `json:"applied_at"`
	Compressed bool        `json:"compressed"`
}

// Applier applies output settings. The scrypt cost parameters are fields so
// tests can lower them.
type Applier struct {
	ScryptN int
	ScryptR int
	ScryptP int
	now     func() time.Time
}

// NewApplier returns an applier with interactive-login scrypt costs.
func NewApplier() *Applier {
	return &Applier{ScryptN: 1 << 15, ScryptR: 8, ScryptP: 1, now: time.Now}
}

// Apply runs the configured steps and returns the final blob.
func (a *Applier) Apply(ctx context.Context, jobID types.JobID, data []byte, s types.OutputSettings) ([]byte, error) {
	out := data
	compressed := false

	if s.CompressionLevel != 0 {
		if s.CompressionLevel < 0 || s.CompressionLevel > 9 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidLevel, s.CompressionLevel)
		}
		z, err := compress(out, s.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		out, compressed = z, true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.Watermark != "" {
		w, err := a.watermark(out, jobID, s.Watermark, compressed)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		out = w
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.Password != "" {
		p, err := a.protect(out, s.Password)
		if err != nil {
			return nil, fmt.Errorf("protect: %w", err)
		}
		out = p
	}
	return out, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Applier) watermark(data []byte, jobID types.JobID, text string, compressed bool) ([]byte, error) {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	header, err := json.Marshal(WatermarkHeader{
		Watermark:  text,
		JobID:      jobID,
		AppliedAt:  now().UTC(),
		Compressed: compressed,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(watermarkMagic) + len(header) + 1 + len(data))
	buf.Write(watermarkMagic)
	buf.Write(header)
	buf.WriteByte('\n')
	buf.Write(data)
	return buf.Bytes(), nil
}

func (a *Applier) deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, a.ScryptN, a.ScryptR, a.ScryptP, keySize)
}

func (a *Applier) protect(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := a.deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(protectedMagic)+saltSize+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, protectedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, protectedMagic), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Unwrap reverses Apply. It returns the original converter output and the
// watermark header, if one was applied.
func (a *Applier) Unwrap(data []byte, password string) ([]byte, *WatermarkHeader, error) {
	if bytes.HasPrefix(data, protectedMagic) {
		if password == "" {
			return nil, nil, ErrPasswordRequired
		}
		plain, err := a.decrypt(data, password)
		if err != nil {
			return nil, nil, err
		}
		data = plain
	}

	var header *WatermarkHeader
	if bytes.HasPrefix(data, watermarkMagic) {
		r := bufio.NewReader(bytes.NewReader(data[len(watermarkMagic):]))
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, nil, fmt.Errorf("output: truncated watermark header: %w", err)
		}
		header = &WatermarkHeader{}
		if err := json.Unmarshal(line, header); err != nil {
			return nil, nil, fmt.Errorf("output: bad watermark header: %w", err)
		}
		data = data[len(watermarkMagic)+len(line):]
	}

	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, err
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, nil, err
		}
		data = plain
	}
	return data, header, nil
}

func (a *Applier) decrypt(data []byte, password string) ([]byte, error) {
	body := data[len(protectedMagic):]
	if len(body) < saltSize+12 {
		return nil, ErrWrongPassword
	}
	salt := body[:saltSize]
	key, err := a.deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := body[saltSize : saltSize+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, body[saltSize+gcm.NonceSize():], protectedMagic)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
