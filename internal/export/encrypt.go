package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ParseRecipients parses age recipients, one per entry.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	recipients, err := age.ParseRecipients(strings.NewReader(strings.Join(keys, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse export recipients: %w", err)
	}
	return recipients, nil
}

// EncryptedSink age-encrypts archives before they reach the wrapped sink.
type EncryptedSink struct {
	Sink       Sink
	Recipients []age.Recipient
}

// Create opens the inner writer and layers encryption over it. Names gain
// an .age suffix.
func (s EncryptedSink) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	inner, err := s.Sink.Create(ctx, name+".age")
	if err != nil {
		return nil, err
	}
	enc, err := age.Encrypt(inner, s.Recipients...)
	if err != nil {
		abort(inner)
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return &encWriter{enc: enc, inner: inner}, nil
}

type encWriter struct {
	enc   io.WriteCloser
	inner io.WriteCloser
}

func (w *encWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *encWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		abort(w.inner)
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return w.inner.Close()
}

func (w *encWriter) Abort() error {
	return abort(w.inner)
}

// Decrypt opens an encrypted archive for Verify.
func Decrypt(r io.Reader, identities ...age.Identity) (io.Reader, error) {
	dr, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting archive: %w", err)
	}
	return dr, nil
}
