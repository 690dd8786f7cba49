// Package export writes audit archives: every event a requester may read, as
// canonical NDJSON, closed by a manifest line that carries the event count and
// a SHA-256 digest of the preceding lines.
//
// Each event line holds the event's hashed fields plus seq and its chain
// hashes, so an archive can be checked against the hash chain offline.
package export

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/roach88/cairn/internal/ir"
)

// ManifestKind marks the manifest line of an archive.
const ManifestKind = "cairn.export.manifest/v1"

// Manifest closes an archive.
type Manifest struct {
	Kind        string    `json:"kind"`
	TenantID    string    `json:"tenant_id"`
	RequestedBy string    `json:"requested_by"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	From        time.Time `json:"from,omitzero"`
	To          time.Time `json:"to,omitzero"`
	Count       int64     `json:"count"`
	FirstSeq    int64     `json:"first_seq,omitempty"`
	LastSeq     int64     `json:"last_seq,omitempty"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrCorrupt is returned by Verify for archives whose contents do not match
// their manifest.
var ErrCorrupt = errors.New("export archive corrupt")

// EventLine renders one archive line, newline included.
func EventLine(ev ir.Event) ([]byte, error) {
	obj := ir.EventObject(ev)
	obj["seq"] = ir.IRInt(ev.Seq)
	obj["event_hash"] = ir.IRString(ev.EventHash)
	obj["prev_hash"] = ir.IRString(ev.PrevHash)
	obj["chain_hash"] = ir.IRString(ev.ChainHash)
	b, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	return append(b, '\n'), nil
}

// Write streams events to w and appends the manifest. m supplies the
// descriptive fields; Count, seq bounds and the digest are filled in. A read
// error from events aborts the archive without a manifest, so a truncated
// archive never verifies.
func Write(w io.Writer, events iter.Seq2[ir.Event, error], m Manifest) (Manifest, error) {
	bw := bufio.NewWriter(w)
	digest := sha256.New()
	out := io.MultiWriter(bw, digest)

	m.Kind = ManifestKind
	for ev, err := range events {
		if err != nil {
			return Manifest{}, fmt.Errorf("export: %w", err)
		}
		line, err := EventLine(ev)
		if err != nil {
			return Manifest{}, fmt.Errorf("export: %w", err)
		}
		if _, err := out.Write(line); err != nil {
			return Manifest{}, fmt.Errorf("export: %w", err)
		}
		if m.Count == 0 {
			m.FirstSeq = ev.Seq
		}
		m.LastSeq = ev.Seq
		m.Count++
	}
	m.SHA256 = hex.EncodeToString(digest.Sum(nil))

	b, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("export manifest: %w", err)
	}
	if _, err := bw.Write(append(b, '\n')); err != nil {
		return Manifest{}, fmt.Errorf("export manifest: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("export: %w", err)
	}
	return m, nil
}

// Archive writes an archive named name to sink.
func Archive(ctx context.Context, sink Sink, name string, events iter.Seq2[ir.Event, error], m Manifest) (Manifest, error) {
	w, err := sink.Create(ctx, name)
	if err != nil {
		return Manifest{}, fmt.Errorf("open %s: %w", name, err)
	}
	m, err = Write(w, events, m)
	if err != nil {
		if aerr := abort(w); aerr != nil {
			slog.Warn("export abort failed", "name", name, "error", aerr)
		}
		return Manifest{}, err
	}
	if err := w.Close(); err != nil {
		return Manifest{}, fmt.Errorf("close %s: %w", name, err)
	}
	slog.Info("export written",
		"event", "export_written",
		"name", name,
		"tenant_id", m.TenantID,
		"requested_by", m.RequestedBy,
		"count", m.Count,
		"sha256", m.SHA256,
	)
	return m, nil
}

// Verify reads an archive and checks it against its manifest line.
func Verify(r io.Reader) (Manifest, error) {
	br := bufio.NewReader(r)
	var (
		digest  hash.Hash = sha256.New()
		count   int64
		pending []byte
	)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if pending != nil {
				digest.Write(pending)
				count++
			}
			pending = line
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("read archive: %w", err)
		}
	}
	if pending == nil {
		return Manifest{}, fmt.Errorf("%w: empty", ErrCorrupt)
	}

	var m Manifest
	if err := json.Unmarshal(bytes.TrimSpace(pending), &m); err != nil || m.Kind != ManifestKind {
		return Manifest{}, fmt.Errorf("%w: missing manifest", ErrCorrupt)
	}
	if m.Count != count {
		return m, fmt.Errorf("%w: manifest counts %d events, archive has %d", ErrCorrupt, m.Count, count)
	}
	if got := hex.EncodeToString(digest.Sum(nil)); got != m.SHA256 {
		return m, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return m, nil
}
