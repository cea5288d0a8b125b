package meta

import (
	"runtime"
	"strings"
	"testing"
	"unsafe"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"db.local:5432", SocketTarget("db.local", 5432)},
		{"*:5432", SocketTarget("", 5432)},
		{"db.local:*", SocketTarget("db.local", 0)},
		{"[::1]:80", SocketTarget("::1", 80)},
		{"DB.Local:5432", Target{Kind: KindSocket, Host: "db.local", Port: 5432}},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if err != nil {
			t.Fatalf("ParseTarget(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseTarget("no-port"); err == nil {
		t.Errorf("expected error for target without port")
	}
	if _, err := ParseTarget("host:99999"); err == nil {
		t.Errorf("expected error for out of range port")
	}
}

func TestTargetMatches(t *testing.T) {
	concrete := SocketTarget("db.local", 5432)
	if !SocketTarget("", 5432).Matches(concrete) {
		t.Errorf("port wildcard should match")
	}
	if !SocketTarget("DB.local", 0).Matches(concrete) {
		t.Errorf("host wildcard should match case-insensitively")
	}
	if SocketTarget("db.local", 3306).Matches(concrete) {
		t.Errorf("different port should not match")
	}
	if DataSourceTarget("", "").Matches(concrete) {
		t.Errorf("data source rule should never match a socket")
	}

	ds := DataSourceTarget("postgres://db/app", "app")
	if !DataSourceTarget("postgres://db/app", "").Matches(ds) {
		t.Errorf("principal wildcard should match")
	}
	if DataSourceTarget("postgres://db/other", "app").Matches(ds) {
		t.Errorf("different url should not match")
	}
}

func TestTargetString(t *testing.T) {
	if got := SocketTarget("", 80).String(); got != "*:80" {
		t.Errorf("got %q", got)
	}
	if got := DataSourceTarget("mem://x", "sa").String(); got != "sa@mem://x" {
		t.Errorf("got %q", got)
	}
	back, err := ParseTarget(SocketTarget("10.0.0.1", 8080).String())
	if err != nil || back != SocketTarget("10.0.0.1", 8080) {
		t.Errorf("round trip failed: %+v %v", back, err)
	}
}

func TestKeyReduce(t *testing.T) {
	k := NewKey(SocketTarget("h", 1), 7, "trace", Thread{ID: 3, Name: "worker"})

	reduced := k.Reduce(GroupingOptions{})
	if reduced.ConnID != 0 || reduced.Trace != "" || !reduced.Thread.IsZero() {
		t.Errorf("expected every optional dimension cleared, got %+v", reduced)
	}
	if reduced.Target != k.Target {
		t.Errorf("target must survive reduction")
	}
	if k.Reduce(AllDimensions) != k {
		t.Errorf("AllDimensions must keep the key intact")
	}

	other := NewKey(SocketTarget("h", 1), 8, "trace", Thread{ID: 4})
	g := GroupingOptions{ByTrace: true}
	if k.Reduce(g) != other.Reduce(g) {
		t.Errorf("keys differing only in connection and thread should collapse")
	}
}

func TestNewKeyInternsTrace(t *testing.T) {
	a := NewKey(SocketTarget("h", 1), 0, strings.Repeat("x", 64), Thread{})
	b := NewKey(SocketTarget("h", 1), 0, strings.Repeat("x", 64), Thread{})
	if a != b {
		t.Fatalf("equal keys should compare equal")
	}
	if unsafe.StringData(a.Trace) != unsafe.StringData(b.Trace) {
		t.Errorf("interned traces should share backing storage")
	}
}

func TestInternSurvivesGC(t *testing.T) {
	text := func() string { return strings.Repeat("SELECT 1 FROM t;", 8) }
	first := uintptr(unsafe.Pointer(unsafe.StringData(Intern(text()))))
	runtime.GC()
	runtime.GC()
	if again := uintptr(unsafe.Pointer(unsafe.StringData(Intern(text())))); again != first {
		t.Errorf("interned text should keep one backing string across collections")
	}
}

func TestCaptureTrace(t *testing.T) {
	trace := CaptureTrace(0)
	if !strings.Contains(trace, "TestCaptureTrace") {
		t.Errorf("trace should name the calling test, got:\n%s", trace)
	}
	if strings.Contains(trace, "runtime.") {
		t.Errorf("runtime frames should be dropped")
	}

	omitted := CaptureTrace(0, "GoSniffy/pkg/meta.TestCaptureTrace")
	if strings.Contains(omitted, "TestCaptureTrace") {
		t.Errorf("omitted prefix should be filtered, got:\n%s", omitted)
	}
}
