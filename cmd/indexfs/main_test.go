package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const indexPage = `<html><body><table>
<tr><td><img alt="[PARENTDIR]"></td><td><a href="/">Parent Directory</a></td><td></td></tr>
<tr><td><img alt="[DIR]"></td><td><a href="docs/">docs/</a></td><td>2023-05-30 08:15</td></tr>
<tr><td><img alt="[TXT]"></td><td><a href="hello.txt">hello.txt</a></td><td>2023-06-01 10:00</td></tr>
</table></body></html>`

func newIndex(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte(indexPage))
		case "/docs/":
			w.Write([]byte("<table></table>"))
		case "/hello.txt":
			http.ServeContent(w, r, "hello.txt", time.Time{}, bytes.NewReader(content))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	lsLong = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", writeEmptyConfig(t), "--listing-tz", "UTC"))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeEmptyConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "indexfs.yaml")
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLs(t *testing.T) {
	ts := newIndex(t, []byte("hi"))

	out, err := run(t, "ls", "--url", ts.URL)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	want := ".\n..\ndocs/\nhello.txt\n"
	if out != want {
		t.Errorf("ls output = %q, want %q", out, want)
	}
}

func TestLsLong(t *testing.T) {
	ts := newIndex(t, []byte("hello"))

	out, err := run(t, "ls", "-l", "--url", ts.URL)
	if err != nil {
		t.Fatalf("ls -l: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("ls -l output = %q", out)
	}
	if !strings.HasPrefix(lines[2], "drwxrwxrwx") || !strings.HasSuffix(lines[2], "docs/") {
		t.Errorf("docs line = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "-rw-rw-rw-") || !strings.Contains(lines[3], " 5 ") {
		t.Errorf("hello.txt line = %q", lines[3])
	}
}

func TestStat(t *testing.T) {
	ts := newIndex(t, []byte("hello"))

	out, err := run(t, "stat", "hello.txt", "--url", ts.URL)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	for _, want := range []string{"URL: " + ts.URL + "/hello.txt", "Type: file", "Size: 5", "(0100666)"} {
		if !strings.Contains(out, want) {
			t.Errorf("stat output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "stat", "absent.txt", "--url", ts.URL); err == nil {
		t.Error("stat of a missing file should fail")
	}
}

func TestCat(t *testing.T) {
	content := bytes.Repeat([]byte("indexfs "), 300000) // spans three blocks
	ts := newIndex(t, content)

	out, err := run(t, "cat", "hello.txt", "--url", ts.URL)
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if out != string(content) {
		t.Errorf("cat returned %d bytes, want %d", len(out), len(content))
	}
}

func TestDefaultUserAgent(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.Write([]byte("<table></table>"))
	}))
	defer ts.Close()

	if _, err := run(t, "ls", "--url", ts.URL); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if want := "indexfs/" + version; got != want || cfg.UserAgent != want {
		t.Errorf("User-Agent sent %q, configured %q; want %q", got, cfg.UserAgent, want)
	}
}

func TestMissingURL(t *testing.T) {
	v.Set("url", "")
	defer v.Set("url", nil)

	if _, err := run(t, "ls"); err == nil || !strings.Contains(err.Error(), "url is required") {
		t.Errorf("expected missing url error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "indexfs "+version {
		t.Errorf("version output = %q", out)
	}
}
