package helpers

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestShortDigest(t *testing.T) {
	d := digest.FromString("hello")
	s := ShortDigest(d)
	if s != "sha256:"+d.Encoded()[:12] {
		t.Fail()
	}
	if ShortDigest("frobozz") != "frobozz" {
		t.Fail()
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	for _, content := range []string{"", "a", "hello world", strings.Repeat("x", 100000)} {
		d1 := digest.FromString(content)
		d2 := digest.FromBytes([]byte(content))
		if d1 != d2 {
			t.Fatalf("digest not deterministic for %d bytes", len(content))
		}
		if d1.Validate() != nil || d1.Algorithm() != digest.SHA256 {
			t.Fatalf("not canonical: %s", d1)
		}
		if len(d1.Encoded()) != 64 || strings.ToLower(d1.Encoded()) != d1.Encoded() {
			t.Fatalf("bad encoding: %s", d1)
		}
	}
}

func TestHumanSize(t *testing.T) {
	if HumanSize(2048) != "2.048kB" {
		t.Errorf("got %s", HumanSize(2048))
	}
}
