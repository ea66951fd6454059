package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImagesNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"s10.tif", "s2.tif", "s1.TIF", "notes.txt", ".hidden.tif"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755); err != nil {
		t.Fatal(err)
	}
	files, err := ListImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"s1.TIF", "s2.tif", "s10.tif"}
	if len(files) != len(want) {
		t.Fatalf("got %v", files)
	}
	for i, w := range want {
		if filepath.Base(files[i]) != w {
			t.Fatalf("position %d: got %s want %s", i, filepath.Base(files[i]), w)
		}
	}
}

func TestNaturalLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"a2", "a10", true},
		{"a10", "a2", false},
		{"a002", "a3", true},
		{"b1", "a9", false},
		{"sec", "section", true},
	}
	for _, c := range cases {
		if got := NaturalLess(c.a, c.b); got != c.want {
			t.Fatalf("NaturalLess(%q, %q) = %v", c.a, c.b, got)
		}
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FirstExisting(filepath.Join(dir, "missing"), p); got != p {
		t.Fatalf("got %q", got)
	}
}
