// Package envstore persists capture sessions: the per-exposure preview
// PNGs, the session manifest, the raw HDR panorama blob and its
// tonemapped preview. The on-disk layout is a fixed contract consumed
// by the rendering side.
package envstore

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/relabs-tech/ar_pipeline/internal/envmap"
)

const (
	manifestFile = "data.json"
	hdrFile      = "envmap.hdr"
	previewFile  = "envmap.png"
)

// Location is the optional geotag of a session.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Altitude  float64 `json:"alt"`
}

// ImageEntry records one stored exposure preview.
type ImageEntry struct {
	Exposure float64 `json:"exposure"`
	Image    string  `json:"image"`
}

// Manifest is the session manifest, stored as data.json.
type Manifest struct {
	Name     string               `json:"name"`
	Location *Location            `json:"location,omitempty"`
	Images   map[string]ImageEntry `json:"images"`
}

// Store reads and writes one session directory.
type Store struct {
	dir string
}

// Open returns a store rooted at dir, creating the directory when
// missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("envstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the session directory path.
func (s *Store) Dir() string { return s.dir }

// SaveManifest writes data.json.
func (s *Store) SaveManifest(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("envstore: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, manifestFile), data, 0644); err != nil {
		return fmt.Errorf("envstore: write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads data.json.
func (s *Store) LoadManifest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("envstore: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("envstore: parse manifest: %w", err)
	}
	return m, nil
}

// SaveExposures stores one preview PNG per exposure (exp_<i>.png, in
// ascending exposure order) and returns the image entries keyed the way
// the manifest wants them.
func (s *Store) SaveExposures(exposures []float64, imgs []image.Image) (map[string]ImageEntry, error) {
	if len(exposures) != len(imgs) {
		return nil, fmt.Errorf("envstore: %d exposures for %d images", len(exposures), len(imgs))
	}
	order := make([]int, len(exposures))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return exposures[order[a]] < exposures[order[b]] })

	entries := make(map[string]ImageEntry, len(order))
	for slot, idx := range order {
		name := fmt.Sprintf("exp_%d.png", slot)
		f, err := os.Create(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("envstore: create %s: %w", name, err)
		}
		err = png.Encode(f, imgs[idx])
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("envstore: write %s: %w", name, err)
		}
		entries[fmt.Sprintf("%d", slot)] = ImageEntry{Exposure: exposures[idx], Image: name}
	}
	return entries, nil
}

// SaveHDR writes the raw radiance blob and the tonemapped preview PNG.
func (s *Store) SaveHDR(r *envmap.Radiance) error {
	blob, err := EncodeHDR(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, hdrFile), blob, 0644); err != nil {
		return fmt.Errorf("envstore: write %s: %w", hdrFile, err)
	}
	f, err := os.Create(filepath.Join(s.dir, previewFile))
	if err != nil {
		return fmt.Errorf("envstore: create %s: %w", previewFile, err)
	}
	err = png.Encode(f, envmap.Tonemap(r))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("envstore: write %s: %w", previewFile, err)
	}
	return nil
}

// LoadHDR reads the raw radiance blob back.
func (s *Store) LoadHDR() (*envmap.Radiance, error) {
	blob, err := os.ReadFile(filepath.Join(s.dir, hdrFile))
	if err != nil {
		return nil, fmt.Errorf("envstore: read %s: %w", hdrFile, err)
	}
	return DecodeHDR(blob)
}
