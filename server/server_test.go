package server

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kfcemployee/cgiserver/server/engine"
)

const cgiEcho = `#!/bin/sh
printf 'Content-Length: %d\r\n\r\n%s' "${#QUERY_STRING}" "$QUERY_STRING"
`

func docroot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := []struct {
		name, data string
		mode       os.FileMode
	}{
		{"home.html", "<h1>home</h1>", 0o644},
		{"a.txt", "alpha", 0o644},
		{"empty.txt", "", 0o644},
		{"secret.txt", "hidden", 0o600},
		{"docs/home.html", "docs", 0o644},
		{"cgi-bin/echo", cgiEcho, 0o755},
		{"cgi-bin/plain", cgiEcho, 0o644},
	}
	for _, f := range files {
		p := filepath.Join(root, f.name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f.data), f.mode); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(p, f.mode); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func startServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := New(Config{
		Addr:     [4]byte{127, 0, 0, 1},
		Root:     docroot(t),
		Workers:  2,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	t.Cleanup(func() {
		s.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

// get sends a GET and reads one response
func (c *client) get(url string, keepAlive bool) (int, string, http.Header) {
	c.t.Helper()
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	req := "GET " + url + " HTTP/1.1\r\nHost: test\r\nConnection: " + conn + "\r\n\r\n"
	if _, err := c.conn.Write([]byte(req)); err != nil {
		c.t.Fatal(err)
	}
	return c.read()
}

func (c *client) read() (int, string, http.Header) {
	c.t.Helper()
	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		c.t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.t.Fatal(err)
	}
	return resp.StatusCode, string(body), resp.Header
}

// closed reports whether the server has hung up
func (c *client) closed() bool {
	_, err := c.br.ReadByte()
	return err != nil
}

func TestStaticFiles(t *testing.T) {
	s := startServer(t)

	tests := []struct {
		url  string
		code int
		body string
	}{
		{"/", 200, "<h1>home</h1>"},
		{"/a.txt", 200, "alpha"},
		{"/a.txt?x=1", 200, "alpha"},
		{"/docs/", 200, "docs"},
		{"/empty.txt", 200, "<html><body></body></html>"},
		{"/missing", 404, "The requested file was not found on this server.\n"},
		{"/secret.txt", 403, "You do not have permission to get file from this server.\n"},
		{"/docs", 400, "Your request has bad syntax or is inherently impossible to satisfy.\n"},
		{"http://test/a.txt", 200, "alpha"},
		{"/cgi-bin/../a.txt", 200, "alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c := dial(t, s)
			code, body, hdr := c.get(tt.url, false)
			if code != tt.code || body != tt.body {
				t.Fatalf("got %d %q, want %d %q", code, body, tt.code, tt.body)
			}
			if hdr.Get("Connection") != "close" {
				t.Fatalf("connection header %q", hdr.Get("Connection"))
			}
			if !c.closed() {
				t.Fatal("connection left open")
			}
		})
	}
}

func TestKeepAlive(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	for _, url := range []string{"/a.txt", "/", "/missing", "/a.txt"} {
		code, _, hdr := c.get(url, true)
		if code == 0 || hdr.Get("Connection") != "keep-alive" {
			t.Fatalf("%s: code %d connection %q", url, code, hdr.Get("Connection"))
		}
	}
	if code, body, _ := c.get("/a.txt", false); code != 200 || body != "alpha" {
		t.Fatalf("last request: %d %q", code, body)
	}
	if !c.closed() {
		t.Fatal("connection left open after close request")
	}
}

func TestBadRequests(t *testing.T) {
	s := startServer(t)

	for _, raw := range []string{
		"POST / HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.0\r\n\r\n",
		"GET / HTTP/1.1\r\nNoColon\r\n\r\n",
		"GET / HTTP/1.1\rX\r\n\r\n",
	} {
		t.Run(strings.Fields(raw)[0], func(t *testing.T) {
			c := dial(t, s)
			c.conn.Write([]byte(raw))
			code, _, _ := c.read()
			if code != 400 {
				t.Fatalf("%q: got %d", raw, code)
			}
			if !c.closed() {
				t.Fatal("connection left open")
			}
		})
	}
}

func TestRequestTooLarge(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	// headers fill the read buffer exactly, nothing is left unread
	head := "GET / HTTP/1.1\r\nX-Fill: "
	c.conn.Write([]byte(head + strings.Repeat("x", engine.ReadBufSize-len(head))))
	code, _, _ := c.read()
	if code != 413 {
		t.Fatalf("got %d", code)
	}
}

func TestSplitDelivery(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	raw := "GET /a.txt HTTP/1.1\r\nHost: test\r\n\r\n"
	for i := range len(raw) {
		c.conn.Write([]byte{raw[i]})
		time.Sleep(time.Millisecond)
	}
	code, body, _ := c.read()
	if code != 200 || body != "alpha" {
		t.Fatalf("got %d %q", code, body)
	}
}

func TestCGI(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	code, body, hdr := c.get("/cgi-bin/echo?a=1", false)
	if code != 200 || body != "a=1" {
		t.Fatalf("got %d %q", code, body)
	}
	if hdr.Get("Server") != "cgiserver" {
		t.Fatalf("server header %q", hdr.Get("Server"))
	}
	if !c.closed() {
		t.Fatal("connection left open after child exit")
	}
}

func TestCGIKeepAlive(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	if code, body, _ := c.get("/cgi-bin/echo?book=guiguzi", true); code != 200 || body != "book=guiguzi" {
		t.Fatalf("cgi: %d %q", code, body)
	}
	// the reaper re-arms the socket, so the next request is served
	if code, body, _ := c.get("/cgi-bin/echo", true); code != 200 || body != "" {
		t.Fatalf("cgi without query: %d %q", code, body)
	}
	if code, body, _ := c.get("/a.txt", false); code != 200 || body != "alpha" {
		t.Fatalf("static after cgi: %d %q", code, body)
	}
}

func TestCGIForbidden(t *testing.T) {
	s := startServer(t)

	for url, want := range map[string]int{
		"/cgi-bin/plain":   403,
		"/cgi-bin/missing": 404,
	} {
		c := dial(t, s)
		if code, _, _ := c.get(url, false); code != want {
			t.Fatalf("%s: got %d, want %d", url, code, want)
		}
	}
}

func TestNewBadRoot(t *testing.T) {
	_, err := New(Config{Addr: [4]byte{127, 0, 0, 1}, Root: filepath.Join(t.TempDir(), "none")})
	if err == nil {
		t.Fatal("missing root accepted")
	}
}
