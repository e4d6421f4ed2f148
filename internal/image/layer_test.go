package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/makinet/agent/internal/testutil/testlog"
)

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func mustLayer(t *testing.T, checksum map[string]string, content map[string][]byte, deleted []string) *Layer {
	t.Helper()
	l, err := NewLayer(checksum, content, deleted)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	return l
}

func TestNewLayerRejectsAbsolutePaths(t *testing.T) {
	testlog.Start(t)
	if _, err := NewLayer(nil, map[string][]byte{"/etc/passwd": nil}, nil); !errors.Is(err, ErrAbsolutePath) {
		t.Fatalf("absolute content path accepted: %v", err)
	}
	if _, err := NewLayer(nil, nil, []string{"/var/log"}); !errors.Is(err, ErrAbsolutePath) {
		t.Fatalf("absolute deletion path accepted: %v", err)
	}
	if _, err := NewLayer(nil, map[string][]byte{"etc/passwd": nil}, []string{"var/log"}); err != nil {
		t.Fatalf("relative paths rejected: %v", err)
	}
}

func TestSlugIsCanonicalOverKeyOrder(t *testing.T) {
	testlog.Start(t)
	a := mustLayer(t, map[string]string{"a.txt": "1111", "b.txt": "2222"}, nil, nil)
	b := mustLayer(t, map[string]string{"b.txt": "2222", "a.txt": "1111"}, nil, nil)
	if a.Slug() != b.Slug() {
		t.Fatalf("slug depends on construction order: %s vs %s", a.Slug(), b.Slug())
	}

	c := mustLayer(t, map[string]string{"a.txt": "1111", "b.txt": "3333"}, nil, nil)
	if a.Slug() == c.Slug() {
		t.Fatalf("slug ignores manifest values")
	}
}

func TestLayerRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, compress := range []bool{false, true} {
		name := "stored"
		if compress {
			name = "deflate"
		}
		t.Run(name, func(t *testing.T) {
			content := map[string][]byte{
				"app/bin":    {0x7f, 0x45, 0x4c, 0x46, 0x00},
				"etc/config": []byte("mode = fast\n"),
			}
			checksum := map[string]string{
				"app/bin":    digest(content["app/bin"]),
				"etc/config": digest(content["etc/config"]),
				"data/keep":  digest([]byte("held over from an earlier layer")),
			}
			src := mustLayer(t, checksum, content, []string{"tmp/stale"})

			path := filepath.Join(t.TempDir(), "layer.zip")
			if err := src.Pack(path, compress); err != nil {
				t.Fatalf("pack: %v", err)
			}
			got, err := UnpackLayer(path)
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}

			if !reflect.DeepEqual(got.Checksum, src.Checksum) {
				t.Fatalf("checksum mismatch: %v", got.Checksum)
			}
			if !reflect.DeepEqual(got.DeletedFiles, src.DeletedFiles) {
				t.Fatalf("deleted files mismatch: %v", got.DeletedFiles)
			}
			for p, want := range content {
				if !bytes.Equal(got.Content[p], want) {
					t.Fatalf("content bytes differ for %s", p)
				}
			}
			if got.Slug() != src.Slug() {
				t.Fatalf("slug changed across round trip")
			}
		})
	}
}

func TestLoadLayerMetadataSkipsContent(t *testing.T) {
	testlog.Start(t)
	src := mustLayer(t,
		map[string]string{"a.txt": "1111"},
		map[string][]byte{"a.txt": []byte("payload")},
		[]string{"b.txt"},
	)
	path := filepath.Join(t.TempDir(), "layer.zip")
	if err := src.Pack(path, true); err != nil {
		t.Fatalf("pack: %v", err)
	}

	got, err := LoadLayerMetadata(path)
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if len(got.Content) != 0 {
		t.Fatalf("metadata load carried content: %v", got.Content)
	}
	if !reflect.DeepEqual(got.Checksum, src.Checksum) || !reflect.DeepEqual(got.DeletedFiles, src.DeletedFiles) {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}

func TestUnpackLayerMissingArchive(t *testing.T) {
	testlog.Start(t)
	if _, err := UnpackLayer(filepath.Join(t.TempDir(), "nope.zip")); err == nil {
		t.Fatalf("expected error for missing archive")
	}
}
