package image

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/makinet/agent/internal/download"
)

var ErrUnpack = errors.New("image: unpack failed")

// Image is an ordered stack of layers plus identity. Later layers apply on
// top of earlier ones; the last layer's checksum map is the complete file
// manifest of the image.
type Image struct {
	Slug    string
	Version string
	Layers  []*Layer
}

func layerEntryName(index int) string {
	return fmt.Sprintf("layers/layer_%d.zip", index)
}

// Pack writes the image as a composite zip: info.bson plus one sub-archive
// per layer, named by zero-based position. Layer archives are produced in a
// scratch directory owned by this call and folded into the outer zip.
func (img *Image) Pack(dest string, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := newZipWriter(f, compress)
	defer zw.Close()

	info, err := bson.Marshal(bson.D{
		{Key: "slug", Value: img.Slug},
		{Key: "version", Value: img.Version},
	})
	if err != nil {
		return err
	}
	if err := writeZipEntry(zw, infoEntry, info, compress); err != nil {
		return err
	}
	if _, err := zw.CreateHeader(&zip.FileHeader{Name: "layers/"}); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "makinet-image-pack-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	for i, layer := range img.Layers {
		layerPath := filepath.Join(scratch, fmt.Sprintf("layer_%d.zip", i))
		if err := layer.Pack(layerPath, compress); err != nil {
			return err
		}
		data, err := os.ReadFile(layerPath)
		if err != nil {
			return err
		}
		if err := writeZipEntry(zw, layerEntryName(i), data, compress); err != nil {
			return err
		}
	}
	return zw.Close()
}

// imageInfo is the decoded shape of an image info.bson.
type imageInfo struct {
	Slug    string `bson:"slug"`
	Version string `bson:"version"`
}

// Unpack reads a packed image, layers included.
func Unpack(src string) (*Image, error) {
	return load(src, UnpackLayer)
}

// LoadMetadata reads an image with metadata-only layers: identity and every
// layer's manifest and deletion list, no content bytes.
func LoadMetadata(src string) (*Image, error) {
	return load(src, LoadLayerMetadata)
}

// load probes successive integer indices for layer sub-archives, bounded by
// the archive's total entry count. The bound is a safety ceiling, not an
// expected layer count: non-layer entries inflate it harmlessly, and indices
// with no match are skipped.
func load(src string, loadLayer func(string) (*Layer, error)) (*Image, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := readZipEntry(&r.Reader, infoEntry)
	if err != nil {
		return nil, err
	}
	var info imageInfo
	if err := bson.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("image: decode %s: %w", infoEntry, err)
	}

	names := make(map[string]struct{}, len(r.File))
	for _, f := range r.File {
		names[f.Name] = struct{}{}
	}

	scratch, err := os.MkdirTemp("", "makinet-image-unpack-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	var layers []*Layer
	for i := 0; i < len(r.File); i++ {
		name := layerEntryName(i)
		if _, ok := names[name]; !ok {
			continue
		}
		data, err := readZipEntry(&r.Reader, name)
		if err != nil {
			return nil, err
		}
		layerPath := filepath.Join(scratch, fmt.Sprintf("layer_%d.zip", i))
		if err := os.WriteFile(layerPath, data, 0o644); err != nil {
			return nil, err
		}
		layer, err := loadLayer(layerPath)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	return &Image{Slug: info.Slug, Version: info.Version, Layers: layers}, nil
}

// ExtractToDirectory materializes the overlay result under dir by applying
// layers oldest to newest: write this layer's content, then apply its
// deletions. A path written and deleted by the same layer ends up deleted.
func (img *Image) ExtractToDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, layer := range img.Layers {
		for _, p := range sortedKeys(layer.Content) {
			target := filepath.Join(dir, p)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, layer.Content[p], 0o644); err != nil {
				return err
			}
		}
		for _, p := range layer.DeletedFiles {
			if err := os.Remove(filepath.Join(dir, p)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

// FileList returns the image's complete file manifest: the checksum keys of
// the last layer, whose manifest is cumulative.
func (img *Image) FileList() []string {
	if len(img.Layers) == 0 {
		return nil
	}
	return sortedKeys(img.Layers[len(img.Layers)-1].Checksum)
}

// WithoutContent returns a copy with every layer's content cleared,
// preserving manifests, deletions and identity. Used to answer metadata
// queries without shipping payload bytes.
func (img *Image) WithoutContent() *Image {
	layers := make([]*Layer, 0, len(img.Layers))
	for _, layer := range img.Layers {
		layers = append(layers, &Layer{
			Checksum:     layer.Checksum,
			Content:      map[string][]byte{},
			DeletedFiles: layer.DeletedFiles,
		})
	}
	return &Image{Slug: img.Slug, Version: img.Version, Layers: layers}
}

// Pull fetches a remote image archive into imageDir, named by the URL's
// trailing path segment, and unpacks it. On any unpack failure the
// downloaded archive is deleted before the error is surfaced; a partial
// image is never returned.
func Pull(ctx context.Context, d download.Downloader, rawURL, imageDir string) (*Image, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(imageDir, path.Base(u.Path))
	archive, err := d.Fetch(ctx, rawURL, dest)
	if err != nil {
		return nil, err
	}

	img, err := Unpack(archive)
	if err != nil {
		_ = os.Remove(archive)
		return nil, fmt.Errorf("%w: %v", ErrUnpack, err)
	}
	return img, nil
}
