package packer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"
)

type tarEntry struct {
	name    string
	content string
}

func tarOf(t *testing.T, entries ...tarEntry) Opener {
	t.Helper()
	hdrs := make([]*tar.Header, len(entries))
	contents := make([]string, len(entries))
	for i, e := range entries {
		hdrs[i] = &tar.Header{Name: e.name, Mode: 0644, Typeflag: tar.TypeReg, Size: int64(len(e.content))}
		if e.name[len(e.name)-1] == '/' {
			hdrs[i].Typeflag, hdrs[i].Mode, hdrs[i].Size = tar.TypeDir, 0755, 0
		}
		contents[i] = e.content
	}
	return tarOfHeaders(t, hdrs, contents)
}

// tarOfHeaders writes the passed headers, with contents[i] as the body of each
// regular file.
func tarOfHeaders(t *testing.T, hdrs []*tar.Header, contents []string) Opener {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for i, hdr := range hdrs {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(contents[i])); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func squashTar(t *testing.T, layers ...Opener) []entry {
	t.Helper()
	var out bytes.Buffer
	if err := Squash(context.Background(), layers, &out); err != nil {
		t.Fatal(err)
	}
	return readTar(t, out.Bytes())
}

func squashed(t *testing.T, layers ...Opener) map[string]string {
	t.Helper()
	m := map[string]string{}
	for _, e := range squashTar(t, layers...) {
		m[e.name] = e.content
	}
	return m
}

func expectEntries(t *testing.T, expected, actual map[string]string) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Errorf("expected %v, got %v", expected, actual)
	}
}

func indexOf(entries []entry, name string) int {
	for i, e := range entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

func TestSquashUpperWins(t *testing.T) {
	m := squashed(t,
		tarOf(t, tarEntry{"etc/", ""}, tarEntry{"etc/os-release", "debian"}, tarEntry{"etc/passwd", "root"}),
		tarOf(t, tarEntry{"etc/", ""}, tarEntry{"etc/os-release", "distroless"}),
	)
	expectEntries(t, map[string]string{
		"etc/":           "",
		"etc/os-release": "distroless",
		"etc/passwd":     "root",
	}, m)
}

func TestSquashWhiteout(t *testing.T) {
	m := squashed(t,
		tarOf(t, tarEntry{"var/", ""}, tarEntry{"var/cache/", ""}, tarEntry{"var/cache/apt", "x"}, tarEntry{"var/log", "y"}),
		tarOf(t, tarEntry{"var/", ""}, tarEntry{"var/.wh.cache", ""}),
	)
	expectEntries(t, map[string]string{
		"var/":    "",
		"var/log": "y",
	}, m)
}

func TestSquashOpaqueWhiteout(t *testing.T) {
	m := squashed(t,
		tarOf(t, tarEntry{"opt/", ""}, tarEntry{"opt/a", "a"}, tarEntry{"opt/b", "b"}),
		tarOf(t, tarEntry{"opt/", ""}, tarEntry{"opt/.wh..wh..opq", ""}, tarEntry{"opt/c", "c"}),
	)
	expectEntries(t, map[string]string{
		"opt/":  "",
		"opt/c": "c",
	}, m)
}

func TestSquashFileReplacesDirectory(t *testing.T) {
	m := squashed(t,
		tarOf(t, tarEntry{"usr/", ""}, tarEntry{"usr/lib/", ""}, tarEntry{"usr/lib/x.so", "so"}),
		tarOf(t, tarEntry{"usr/lib", "now a file"}),
	)
	expectEntries(t, map[string]string{
		"usr/":    "",
		"usr/lib": "now a file",
	}, m)
}

func TestSquashWhiteoutOnlyAffectsLowerLayers(t *testing.T) {
	m := squashed(t,
		tarOf(t, tarEntry{"x", "1"}),
		tarOf(t, tarEntry{".wh.x", ""}),
		tarOf(t, tarEntry{"x", "3"}),
	)
	expectEntries(t, map[string]string{"x": "3"}, m)
}

// A directory provided by a higher layer is written before the lower-layer files
// inside it, with the higher layer's header.
func TestSquashDirectoryPrecedesContents(t *testing.T) {
	var out bytes.Buffer
	if err := Squash(context.Background(), []Opener{
		tarOf(t, tarEntry{"etc/", ""}, tarEntry{"etc/passwd", "root"}),
		tarOfHeaders(t, []*tar.Header{{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0700}}, []string{""}),
	}, &out); err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(&out)
	order := []string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, hdr.Name)
		if hdr.Name == "etc/" && hdr.Mode != 0700 {
			t.Errorf("expected the upper directory mode 0700, got %o", hdr.Mode)
		}
	}
	if !reflect.DeepEqual([]string{"etc/", "etc/passwd"}, order) {
		t.Errorf("unexpected order %v", order)
	}
}

// A directory that only a higher layer declares is still written before the
// lower-layer entries under it.
func TestSquashImplicitParentFromUpperLayer(t *testing.T) {
	entries := squashTar(t,
		tarOf(t, tarEntry{"app/lib.jar", "jar"}),
		tarOf(t, tarEntry{"app/", ""}),
	)
	if i, j := indexOf(entries, "app/"), indexOf(entries, "app/lib.jar"); i < 0 || j < 0 || i > j {
		t.Errorf("expected app/ before app/lib.jar, got %d and %d", i, j)
	}
}

// A hard link in a lower layer whose target is replaced by a higher layer is
// written after the target.
func TestSquashHardLinkAfterTarget(t *testing.T) {
	lower := tarOfHeaders(t, []*tar.Header{
		{Name: "bin/", Typeflag: tar.TypeDir, Mode: 0755},
		{Name: "bin/tool", Typeflag: tar.TypeReg, Mode: 0755, Size: 2},
		{Name: "bin/alias", Typeflag: tar.TypeLink, Linkname: "bin/tool"},
	}, []string{"", "v1", ""})
	upper := tarOf(t, tarEntry{"bin/tool", "v2"})
	entries := squashTar(t, lower, upper)

	tool, alias := indexOf(entries, "bin/tool"), indexOf(entries, "bin/alias")
	if tool < 0 || alias < 0 || alias < tool {
		t.Fatalf("expected bin/alias after bin/tool, got %d and %d", alias, tool)
	}
	if entries[tool].content != "v2" || entries[alias].typeflag != tar.TypeLink || entries[alias].link != "bin/tool" {
		t.Errorf("unexpected entries %+v %+v", entries[tool], entries[alias])
	}
}

func TestSquashHardLinkSameLayer(t *testing.T) {
	entries := squashTar(t, tarOfHeaders(t, []*tar.Header{
		{Name: "lib/", Typeflag: tar.TypeDir, Mode: 0755},
		{Name: "lib/a.so", Typeflag: tar.TypeReg, Mode: 0644, Size: 1},
		{Name: "lib/b.so", Typeflag: tar.TypeLink, Linkname: "lib/a.so"},
	}, []string{"", "a", ""}))
	if !reflect.DeepEqual([]string{"lib/", "lib/a.so", "lib/b.so"}, names(entries)) {
		t.Errorf("unexpected order %v", names(entries))
	}
}

// Squash time must grow with the number of entries, not with its square: each
// entry of the upper layer replaces a lower one.
func TestSquashManyEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	const n = 30000
	layer := func(content string) Opener {
		entries := []tarEntry{{"data/", ""}}
		for i := 0; i < n; i++ {
			entries = append(entries, tarEntry{fmt.Sprintf("data/d%03d/", i%100), ""})
			entries = append(entries, tarEntry{fmt.Sprintf("data/d%03d/f%05d", i%100, i), content})
		}
		return tarOf(t, entries...)
	}
	lower, upper := layer("lower"), layer("upper")

	start := time.Now()
	m := squashed(t, lower, upper)
	elapsed := time.Since(start)
	if len(m) != n+100+1 {
		t.Errorf("expected %d entries, got %d", n+101, len(m))
	}
	if m["data/d007/f00007"] != "upper" {
		t.Errorf("expected the upper content, got %q", m["data/d007/f00007"])
	}
	if elapsed > 10*time.Second {
		t.Errorf("squashing %d entries took %s", 2*n, elapsed)
	}
}

func TestSquashOpenError(t *testing.T) {
	bad := func() (io.ReadCloser, error) { return nil, io.ErrUnexpectedEOF }
	err := Squash(context.Background(), []Opener{bad}, io.Discard)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}
