package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kfcemployee/cgiserver/server/engine"
)

func TestBuilder(t *testing.T) {
	dst := make([]byte, 128)
	b := NewBuilder(dst)
	b.Status(404)
	b.HeaderInt("Content-Length", 0)
	b.Connection(false)
	b.End()

	want := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	if b.Err() != nil {
		t.Fatal(b.Err())
	}
	if got := string(dst[:b.Len()]); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuilderUnknownStatus(t *testing.T) {
	dst := make([]byte, 64)
	b := NewBuilder(dst)
	b.Status(299)
	if got := string(dst[:b.Len()]); got != "HTTP/1.1 500 Internal Server Error\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestBuilderOverflow(t *testing.T) {
	dst := make([]byte, 20)
	b := NewBuilder(dst)
	b.Status(200) // 17 bytes
	if b.Err() != nil {
		t.Fatal(b.Err())
	}
	n := b.Len()

	b.Header("Connection", "keep-alive")
	if !errors.Is(b.Err(), ErrOverflow) {
		t.Fatalf("expected overflow, got %v", b.Err())
	}
	b.End()
	if b.Len() > len(dst) || b.Len() < n {
		t.Fatalf("length %d out of bounds", b.Len())
	}

	b = NewBuilder(make([]byte, 18))
	b.HeaderInt("Content-Length", 1234567)
	if !errors.Is(b.Err(), ErrOverflow) {
		t.Fatalf("int header: expected overflow, got %v", b.Err())
	}
}

func TestIntToBuf(t *testing.T) {
	buf := make([]byte, 20)
	for _, tt := range []struct {
		n    uint
		want string
	}{{0, "0"}, {7, "7"}, {1024, "1024"}, {18446744073709551615, "18446744073709551615"}} {
		n := IntToBuf(buf, tt.n)
		if got := string(buf[:n]); got != tt.want {
			t.Errorf("IntToBuf(%d) = %q", tt.n, got)
		}
	}
	if n := IntToBuf(make([]byte, 2), 123); n != 0 {
		t.Errorf("short buffer wrote %d bytes", n)
	}
}

func TestWriteError(t *testing.T) {
	c := &engine.Conn{WBuf: make([]byte, engine.WriteBufSize)}
	c.Req.KeepAlive = true
	if err := WriteError(c, 403); err != nil {
		t.Fatal(err)
	}
	want := "HTTP/1.1 403 Forbidden\r\nContent-Length: 57\r\nConnection: keep-alive\r\n\r\n" + errorForms[403]
	if got := string(c.WBuf[:c.WriteIdx]); got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}

	c.WBuf = make([]byte, 10)
	c.WriteIdx = 0
	if err := WriteError(c, 400); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if c.WriteIdx != 0 {
		t.Fatal("write index moved on overflow")
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(full, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("sized", func(t *testing.T) {
		fi, _ := os.Stat(full)
		c := &engine.Conn{WBuf: make([]byte, engine.WriteBufSize)}
		c.Target = engine.Target{Path: full, Info: fi}
		if err := WriteFile(c); err != nil {
			t.Fatal(err)
		}
		want := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\n"
		if got := string(c.WBuf[:c.WriteIdx]); got != want {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		fi, _ := os.Stat(empty)
		c := &engine.Conn{WBuf: make([]byte, engine.WriteBufSize)}
		c.Target = engine.Target{Path: empty, Info: fi}
		if err := WriteFile(c); err != nil {
			t.Fatal(err)
		}
		want := "HTTP/1.1 200 OK\r\nContent-Length: 26\r\nConnection: close\r\n\r\n" + emptyDoc
		if got := string(c.WBuf[:c.WriteIdx]); got != want {
			t.Fatalf("got %q", got)
		}
	})
}

func BenchmarkBuildResp(b *testing.B) {
	body := []byte("{\"status\":\"ok\",\"message\":\"hello world\"}")
	dst := make([]byte, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		bl := NewBuilder(dst)
		bl.Status(200)
		bl.HeaderInt("Content-Length", len(body))
		bl.Connection(true)
		bl.End()
		bl.Body(body)
	}
}
