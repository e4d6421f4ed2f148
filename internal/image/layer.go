// Package image implements the layered, content-addressed archive format
// distributed between the control plane and agents. An image is an ordered
// stack of layers; each layer carries the cumulative file manifest of the
// image up to and including itself, the file contents it introduces or
// changes, and the paths it removes.
//
// Archive layout is fixed for cross-implementation interoperability:
//
//	layer zip:  info.bson (all fields but content), content.bson (path->bytes)
//	image zip:  info.bson (slug, version), layers/layer_<i>.zip per layer
//
// Metadata entries are BSON documents; zip entries are either stored or
// deflate level 6, chosen per pack call.
package image

import (
	"archive/zip"
	"compress/flate"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrAbsolutePath = errors.New("image: path must be relative")
	ErrMissingEntry = errors.New("image: archive entry missing")
)

const (
	infoEntry    = "info.bson"
	contentEntry = "content.bson"
)

// Layer is one increment of filesystem state. Checksum is the cumulative
// manifest (every file of the image as of this layer, path -> sha256 hex);
// Content holds only the files this layer introduces or modifies;
// DeletedFiles lists the paths this layer removes.
type Layer struct {
	Checksum     map[string]string
	Content      map[string][]byte
	DeletedFiles []string
}

// NewLayer validates that every content and deletion path is relative.
func NewLayer(checksum map[string]string, content map[string][]byte, deleted []string) (*Layer, error) {
	for path := range content {
		if filepath.IsAbs(path) {
			return nil, fmt.Errorf("%w: %q", ErrAbsolutePath, path)
		}
	}
	for _, path := range deleted {
		if filepath.IsAbs(path) {
			return nil, fmt.Errorf("%w: %q", ErrAbsolutePath, path)
		}
	}
	if content == nil {
		content = map[string][]byte{}
	}
	return &Layer{Checksum: checksum, Content: content, DeletedFiles: deleted}, nil
}

// Slug is the content-derived layer identifier: the sha256 of the manifest
// digests joined by single spaces, keys in sorted order so the hash is
// canonical regardless of construction order.
func (l *Layer) Slug() string {
	keys := sortedKeys(l.Checksum)
	vals := make([]string, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, l.Checksum[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(vals, " ")))
	return hex.EncodeToString(sum[:])
}

// Pack writes the layer as a self-contained zip at path. An absolute content
// path found here is logged but does not abort the pack; construction is
// where rejection happens.
func (l *Layer) Pack(path string, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := newZipWriter(f, compress)
	if err := writeZipEntry(zw, infoEntry, l.infoDoc(), compress); err != nil {
		zw.Close()
		return err
	}

	for path := range l.Content {
		if filepath.IsAbs(path) {
			log.Error().Str("path", path).Msg("packing layer with absolute content path")
		}
	}
	if err := writeZipEntry(zw, contentEntry, l.contentDoc(), compress); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// infoDoc is the BSON metadata document: everything but content, plus the
// derived slug. Keys are emitted in sorted order for deterministic bytes.
func (l *Layer) infoDoc() []byte {
	checksum := bson.D{}
	for _, k := range sortedKeys(l.Checksum) {
		checksum = append(checksum, bson.E{Key: k, Value: l.Checksum[k]})
	}
	deleted := bson.A{}
	for _, p := range l.DeletedFiles {
		deleted = append(deleted, p)
	}
	doc := bson.D{
		{Key: "checksum", Value: checksum},
		{Key: "deleted_files", Value: deleted},
		{Key: "slug", Value: l.Slug()},
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		// A flat document of strings cannot fail to marshal.
		panic(err)
	}
	return data
}

func (l *Layer) contentDoc() []byte {
	doc := bson.D{}
	for _, k := range sortedKeys(l.Content) {
		doc = append(doc, bson.E{Key: k, Value: primitive.Binary{Data: l.Content[k]}})
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// layerInfo is the decoded shape of a layer info.bson. The serialized slug
// is accepted but recomputed on demand, never trusted.
type layerInfo struct {
	Checksum     map[string]string `bson:"checksum"`
	DeletedFiles []string          `bson:"deleted_files"`
	Slug         string            `bson:"slug"`
}

// UnpackLayer reads a packed layer back, content included.
func UnpackLayer(path string) (*Layer, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	layer, err := readLayerInfo(&r.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := readZipEntry(&r.Reader, contentEntry)
	if err != nil {
		return nil, err
	}
	var content map[string][]byte
	if err := bson.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("image: decode %s: %w", contentEntry, err)
	}
	return NewLayer(layer.Checksum, content, layer.DeletedFiles)
}

// LoadLayerMetadata reads only the metadata section, yielding a layer with
// empty content for low-cost inspection.
func LoadLayerMetadata(path string) (*Layer, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	layer, err := readLayerInfo(&r.Reader)
	if err != nil {
		return nil, err
	}
	return NewLayer(layer.Checksum, nil, layer.DeletedFiles)
}

func readLayerInfo(r *zip.Reader) (*layerInfo, error) {
	raw, err := readZipEntry(r, infoEntry)
	if err != nil {
		return nil, err
	}
	var info layerInfo
	if err := bson.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("image: decode %s: %w", infoEntry, err)
	}
	return &info, nil
}

// newZipWriter returns a zip writer whose deflate entries compress at level
// 6, matching the on-disk format produced by other implementations.
func newZipWriter(w io.Writer, compress bool) *zip.Writer {
	zw := zip.NewWriter(w)
	if compress {
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, 6)
		})
	}
	return zw
}

func zipMethod(compress bool) uint16 {
	if compress {
		return zip.Deflate
	}
	return zip.Store
}

func writeZipEntry(zw *zip.Writer, name string, data []byte, compress bool) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zipMethod(compress)})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readZipEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingEntry, name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
