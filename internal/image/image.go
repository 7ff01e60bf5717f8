package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnbuild/kiln/internal/paths"
	"github.com/kilnbuild/kiln/internal/runtimecfg"
)

var ErrImage = errors.New("image packing failed")

// Tag attached to the packed manifest via the OCI reference annotation.
const refName = "latest"

// Packs a configured runtime tree into an OCI image layout at out.
//
// The tree (minus its config document) is archived as the image's single
// layer; the execution configuration becomes the image config. Fails when
// out already exists or when the tree has not been configured yet.
func Pack(runtimeTree, out string) error {
	img, err := runtimecfg.Load(runtimeTree)
	if err != nil {
		return err
	}

	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%w: output %s already exists", ErrImage, out)
	}

	blobs := filepath.Join(out, "blobs", digest.Canonical.String())
	if err := os.MkdirAll(blobs, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}

	layer, err := writeLayerBlob(blobs, runtimeTree)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}

	img.RootFS = ocispec.RootFS{
		Type:    "layers",
		DiffIDs: []digest.Digest{layer.Digest},
	}

	configDesc, err := writeBlob(blobs, ocispec.MediaTypeImageConfig, img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layer},
	}

	manifestDesc, err := writeBlob(blobs, ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}
	manifestDesc.Platform = &img.Platform
	manifestDesc.Annotations = map[string]string{
		ocispec.AnnotationRefName: refName,
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	}

	if err := writeJSON(filepath.Join(out, "index.json"), index); err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}

	layout := ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}
	if err := writeJSON(filepath.Join(out, ocispec.ImageLayoutFile), layout); err != nil {
		return fmt.Errorf("%w: %v", ErrImage, err)
	}

	slog.Info("image packed", "output", out, "digest", manifestDesc.Digest)
	return nil
}

// Archives the runtime tree as an uncompressed layer blob.
//
// The stream is digested while it is written, then the temporary file is
// renamed to its content address.
func writeLayerBlob(blobs, runtimeTree string) (ocispec.Descriptor, error) {
	f, err := os.CreateTemp(blobs, ".layer-")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer os.Remove(f.Name())

	digester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(f, digester.Hash())}

	skip := map[string]bool{runtimecfg.ConfigFile: true}
	if err := writeTar(counter, runtimeTree, skip); err != nil {
		f.Close()
		return ocispec.Descriptor{}, err
	}
	if err := f.Close(); err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    digester.Digest(),
		Size:      counter.n,
	}

	if err := os.Rename(f.Name(), filepath.Join(blobs, desc.Digest.Encoded())); err != nil {
		return ocispec.Descriptor{}, err
	}

	return desc, nil
}

// Serializes a value and writes it to the blob store, returning the
// descriptor that references the stored blob.
func writeBlob(blobs, mediaType string, v any) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}

	path := filepath.Join(blobs, desc.Digest.Encoded())
	if err := os.WriteFile(path, b, paths.DefaultFileMode); err != nil {
		return ocispec.Descriptor{}, err
	}

	return desc, nil
}

// Writes a value as JSON to a non-blob layout file.
func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, paths.DefaultFileMode)
}

// Counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
