package ingest

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cararth/syndicate/internal/store"
)

// WHAT: webhook intake buffering and drain semantics.
// WHY: the webhook route buffers between HTTP receipt and the pipeline run;
// a drain must renumber rows per batch and empty the buffer.
func TestWebhookReceiveAndPull(t *testing.T) {
	a := NewWebhookAdapter(0)

	n, err := a.Receive("src_1", []byte(`{"vin":"A"}`))
	if err != nil {
		t.Fatalf("Receive object: %v", err)
	}
	if n != 1 {
		t.Fatalf("Receive object: got %d records, want 1", n)
	}

	n, err = a.Receive("src_1", []byte(`[{"vin":"B"},{"vin":"C"}]`))
	if err != nil {
		t.Fatalf("Receive array: %v", err)
	}
	if n != 2 {
		t.Fatalf("Receive array: got %d records, want 2", n)
	}
	if got := a.PendingCount("src_1"); got != 3 {
		t.Fatalf("PendingCount = %d, want 3", got)
	}

	recs, err := a.Pull(context.Background(), &store.PartnerSource{ID: "src_1"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Pull: got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Row != i+1 {
			t.Errorf("record %d: Row = %d, want %d", i, r.Row, i+1)
		}
	}
	if got := a.PendingCount("src_1"); got != 0 {
		t.Fatalf("buffer not drained: %d records remain", got)
	}
}

func TestWebhookRejectsGarbage(t *testing.T) {
	a := NewWebhookAdapter(0)
	if _, err := a.Receive("src_1", []byte(`not json`)); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestWebhookBufferBound(t *testing.T) {
	a := NewWebhookAdapter(2)
	if _, err := a.Receive("src_1", []byte(`[{"a":1},{"a":2}]`)); err != nil {
		t.Fatalf("fill buffer: %v", err)
	}
	if _, err := a.Receive("src_1", []byte(`{"a":3}`)); err == nil {
		t.Fatal("expected buffer-full error")
	}
	// Other sources are unaffected.
	if _, err := a.Receive("src_2", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("independent source blocked: %v", err)
	}
}

// WHAT: CSV parsing into header-keyed JSON records.
// WHY: malformed rows must fail the whole file; row numbers must match
// the partner's data rows so rejection reports point at the right line.
func TestParseCSV(t *testing.T) {
	data := []byte("vin,price\nABC123,500000\nDEF456,600000\n")
	row := 0
	recs, err := ParseCSV(data, "src_csv", &row)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Row != 1 || recs[1].Row != 2 {
		t.Fatalf("rows = %d,%d, want 1,2", recs[0].Row, recs[1].Row)
	}

	var fields map[string]string
	if err := json.Unmarshal(recs[1].Payload, &fields); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if fields["vin"] != "DEF456" || fields["price"] != "600000" {
		t.Fatalf("payload = %v", fields)
	}
}

func TestCSVAdapterDropDir(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src_csv")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(srcDir, "batch1.csv")
	if err := os.WriteFile(path, []byte("vin,price\nABC,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewCSVAdapter(dir)
	recs, err := a.Pull(context.Background(), &store.PartnerSource{ID: "src_csv"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}

	// The file is renamed after a successful parse so the next Pull sees
	// nothing.
	recs, err = a.Pull(context.Background(), &store.PartnerSource{ID: "src_csv"})
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("second Pull returned %d records, want 0", len(recs))
	}
}

// fakeSFTPConn serves an in-memory directory for the adapter.
type fakeSFTPConn struct {
	files map[string]fakeSFTPFile
}

type fakeSFTPFile struct {
	data    []byte
	modTime time.Time
}

func (c *fakeSFTPConn) ReadDir(dir string) ([]sftpFileInfo, error) {
	var out []sftpFileInfo
	for name, f := range c.files {
		out = append(out, sftpFileInfo{Name: name, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	return out, nil
}

func (c *fakeSFTPConn) Open(path string) (io.ReadCloser, error) {
	f, ok := c.files[filepath.Base(path)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(string(f.data))), nil
}

func (c *fakeSFTPConn) Close() error { return nil }

// WHAT: SFTP high-water mark cursor.
// WHY: a re-run must not re-ingest files already seen, and the cursor must
// advance to the newest ingested file's mtime.
func TestSFTPPullCursor(t *testing.T) {
	t0 := time.UnixMilli(1_000_000)
	t1 := time.UnixMilli(2_000_000)
	conn := &fakeSFTPConn{files: map[string]fakeSFTPFile{
		"old.csv": {data: []byte("vin\nOLD\n"), modTime: t0},
		"new.csv": {data: []byte("vin\nNEW\n"), modTime: t1},
	}}

	a := NewSFTPAdapter(0, 0)
	a.dial = func(cfg SFTPConfig) (sftpConn, error) { return conn, nil }

	src := &store.PartnerSource{
		ID:         "src_sftp",
		ConfigJSON: `{"host":"h","user":"u","password":"p","dir":"/drop"}`,
		Cursor:     "1000000", // old.csv already seen
	}
	recs, err := a.Pull(context.Background(), src)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	var fields map[string]string
	if err := json.Unmarshal(recs[0].Payload, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["vin"] != "NEW" {
		t.Fatalf("ingested wrong file: %v", fields)
	}
	if src.Cursor != "2000000" {
		t.Fatalf("cursor = %q, want 2000000", src.Cursor)
	}
}

func TestSFTPConfigValidation(t *testing.T) {
	a := NewSFTPAdapter(0, 0)
	src := &store.PartnerSource{ID: "s", ConfigJSON: `{"port":22}`}
	if _, err := a.Pull(context.Background(), src); err == nil {
		t.Fatal("expected error for missing host and user")
	}
}

func TestParseJSONLines(t *testing.T) {
	row := 0
	recs, err := parseJSONLines([]byte("{\"a\":1}\n\n{\"a\":2}\n"), "src_x", &row)
	if err != nil {
		t.Fatalf("parseJSONLines: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Row != 2 {
		t.Fatalf("Row = %d, want 2", recs[1].Row)
	}

	if _, err := parseJSONLines([]byte("{broken\n"), "src_x", &row); err == nil {
		t.Fatal("expected error for invalid JSON line")
	}
}
