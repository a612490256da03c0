package cdx

import "testing"

func TestURLKeyReversesHost(t *testing.T) {
	got := URLKey("http://www.httpbin.org/get?foo=bar")
	want := "org,httpbin,www)/get?foo=bar"
	if got != want {
		t.Errorf("URLKey() = %q, want %q", got, want)
	}
}

func TestURLKeySortsQueryParams(t *testing.T) {
	a := URLKey("http://httpbin.org/get?b=2&a=1")
	b := URLKey("http://httpbin.org/get?a=1&b=2")
	if a != b {
		t.Errorf("URLKey() not order-independent: %q != %q", a, b)
	}
}

func TestURLKeyNoPath(t *testing.T) {
	got := URLKey("http://httpbin.org")
	want := "org,httpbin)/"
	if got != want {
		t.Errorf("URLKey() = %q, want %q", got, want)
	}
}

func TestURLKeyMalformedFallsBack(t *testing.T) {
	got := URLKey("::not a url::")
	if got == "" {
		t.Errorf("URLKey() returned empty string for malformed input")
	}
}

func TestURLKeySameDomainContiguousRange(t *testing.T) {
	exampleA := URLKey("http://example.org/a")
	httpbinA := URLKey("http://httpbin.org/a")
	httpbinB := URLKey("http://httpbin.org/b")

	if !(exampleA < httpbinA && httpbinA < httpbinB) {
		t.Fatalf("expected example.org < httpbin.org/a < httpbin.org/b, got %q %q %q", exampleA, httpbinA, httpbinB)
	}
}
