//go:build !tinygo

package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerTagsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	DisableColors()
	t.Cleanup(func() { _ = SetLevel("info") })

	l := New("rmt")
	l.Debugf("hidden %d", 1)
	l.Warnf("truncated %d symbols", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug leaked at info level: %q", out)
	}
	if !strings.Contains(out, "truncated 3 symbols") || !strings.Contains(out, "tag=rmt") {
		t.Fatalf("unexpected output: %q", out)
	}

	if err := SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	l.Debugf("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug missing: %q", buf.String())
	}
	if SetLevel("nope") == nil {
		t.Fatal("expected parse error")
	}
}
