package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/brocess/internal/model"
)

const connHeader = "#separator \\x09\n" +
	"#set_separator\t,\n" +
	"#path\tconn\n" +
	"#fields\tts\tuid\tid.orig_h\tid.orig_p\tid.resp_h\tid.resp_p\tproto\tconn_state\n" +
	"#types\ttime\tstring\taddr\tport\taddr\tport\tenum\tstring\n"

func writeGzip(t *testing.T, name, content string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func connLine(fields ...string) string {
	return strings.Join(fields, "\t") + "\n"
}

func TestRunner_ConnFile(t *testing.T) {
	content := connHeader +
		connLine("1.0", "C1", "10.0.0.1", "5000", "10.0.0.2", "80", "tcp", "SF") +
		connLine("2.0", "C2", "10.0.0.1", "5001", "10.0.0.2", "80", "tcp", "REJ") +
		connLine("3.0", "C3", "10.0.0.1", "5002") + // malformed
		"\n" +
		connLine("4.0", "C4", "fe80::1", "5003", "10.0.0.2", "80", "tcp", "SF") +
		"#close\t2019-01-01-01-00-00\n"
	path := writeGzip(t, "conn.log.gz", content)

	sink := &recordingSink{}
	stats, err := NewRunner(NewConnProcessor(sink, Whitelists{})).Start(context.Background(), path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats.Records != 11 {
		t.Errorf("Records = %d, want 11", stats.Records)
	}
	if stats.Upserts != 2 || stats.Malformed != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 upserts, 1 malformed, 1 skipped", stats)
	}
	if len(sink.conns) != 2 || sink.conns[0].State != "SF" || sink.conns[1].State != "REJ" {
		t.Errorf("conns = %+v", sink.conns)
	}
}

func TestRunner_DuplicateLinesBothForwarded(t *testing.T) {
	line := connLine("1.0", "C1", "10.0.0.1", "5000", "10.0.0.2", "80", "tcp", "SF")
	path := writeGzip(t, "conn.log.gz", connHeader+line+line)

	sink := &recordingSink{}
	if _, err := NewRunner(NewConnProcessor(sink, Whitelists{})).Start(context.Background(), path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sink.conns) != 2 {
		t.Errorf("forwarded %d records, want 2", len(sink.conns))
	}
}

func TestRunner_EmptyFile(t *testing.T) {
	path := writeGzip(t, "conn.log.gz", "")

	stats, err := NewRunner(NewConnProcessor(&recordingSink{}, Whitelists{})).Start(context.Background(), path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestRunner_ZeroByteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log.gz")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	stats, err := NewRunner(NewConnProcessor(&recordingSink{}, Whitelists{})).Start(context.Background(), path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestRunner_FieldsLikeLabelIsNotFields(t *testing.T) {
	content := "#separator \\x09\n#fieldsx\tfoo\n#fields\tts\thost\n1.0\ta.b\n"
	path := writeGzip(t, "http.log.gz", content)

	sink := &recordingSink{}
	stats, err := NewRunner(NewHTTPProcessor(sink)).Start(context.Background(), path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats.Upserts != 2 {
		t.Errorf("Upserts = %d, want 2", stats.Upserts)
	}
}

func TestRunner_StorageBusyAbortsFile(t *testing.T) {
	content := "#separator \\x09\n#fields\tts\thost\n1.0\tbusy.example\n2.0\tx.y\n"
	path := writeGzip(t, "http.log.gz", content)

	sink := &recordingSink{busyHost: "busy.example"}
	stats, err := NewRunner(NewHTTPProcessor(sink)).Start(context.Background(), path)
	if !errors.Is(err, model.ErrStorageBusy) {
		t.Fatalf("error = %v, want ErrStorageBusy", err)
	}
	if stats.StorageErrors != 0 {
		t.Errorf("StorageErrors = %d, want 0 (not skipped)", stats.StorageErrors)
	}
	for _, h := range sink.https {
		if h.Host == "x.y" {
			t.Error("lines after the busy failure were processed")
		}
	}
}

func TestRunner_MissingRequiredField(t *testing.T) {
	content := "#separator \\x09\n#fields\tts\tuid\n1.0\tC1\n"
	path := writeGzip(t, "http.log.gz", content)

	_, err := NewRunner(NewHTTPProcessor(&recordingSink{})).Start(context.Background(), path)
	if !errors.Is(err, model.ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}

func TestRunner_HeaderBeforeSeparator(t *testing.T) {
	path := writeGzip(t, "http.log.gz", "#fields\tts\thost\n")

	_, err := NewRunner(NewHTTPProcessor(&recordingSink{})).Start(context.Background(), path)
	if !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestRunner_StorageErrorSkipsRecord(t *testing.T) {
	content := "#separator \\x09\n#fields\tts\thost\n1.0\ta.b.c\n2.0\tx.y\n"
	path := writeGzip(t, "http.log.gz", content)

	sink := &recordingSink{failHost: "b.c"}
	stats, err := NewRunner(NewHTTPProcessor(sink)).Start(context.Background(), path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stats.StorageErrors != 1 || stats.Upserts != 4 {
		t.Errorf("stats = %+v, want 1 storage error and 4 upserts", stats)
	}
}

func TestRunner_TruncatedFile(t *testing.T) {
	var body strings.Builder
	body.WriteString("#separator \\x09\n#fields\tts\thost\n")
	for i := 0; i < 5000; i++ {
		body.WriteString("1.0\twww.example.com\n")
	}
	full := writeGzip(t, "http.log.gz", body.String())
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, data[:len(data)-12], 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = NewRunner(NewHTTPProcessor(&recordingSink{})).Start(context.Background(), full)
	if !errors.Is(err, model.ErrDecompression) {
		t.Errorf("error = %v, want ErrDecompression", err)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	path := writeGzip(t, "http.log.gz", "#separator \\x09\n#fields\tts\thost\n1.0\ta.b\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(NewHTTPProcessor(&recordingSink{})).Start(ctx, path)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
