// Package fieldlayout loads the known positions of the field's fiducial
// landmarks from an AprilTag field layout file.
package fieldlayout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/banshee-data/posefusion/internal/vision"
)

const maxLayoutFileSize = 1 * 1024 * 1024

// Quaternion is a landmark orientation.
type Quaternion struct {
	W float64 `json:"W"`
	X float64 `json:"X"`
	Y float64 `json:"Y"`
	Z float64 `json:"Z"`
}

// Tag is one landmark entry.
type Tag struct {
	ID   int `json:"ID"`
	Pose struct {
		Translation vision.Point3D `json:"translation"`
		Rotation    struct {
			Quaternion Quaternion `json:"quaternion"`
		} `json:"rotation"`
	} `json:"pose"`
}

// Layout is a parsed field layout. It implements vision.LandmarkLookup.
type Layout struct {
	Tags  []Tag `json:"tags"`
	Field struct {
		Length float64 `json:"length"`
		Width  float64 `json:"width"`
	} `json:"field"`

	byID map[int]vision.Point3D
}

// Parse decodes a layout and indexes it by landmark id. Duplicate ids are an
// error.
func Parse(r io.Reader) (*Layout, error) {
	var l Layout
	dec := json.NewDecoder(io.LimitReader(r, maxLayoutFileSize))
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("failed to parse field layout: %w", err)
	}
	if l.Field.Length < 0 || l.Field.Width < 0 {
		return nil, fmt.Errorf("field dimensions must be non-negative, got %gx%g", l.Field.Length, l.Field.Width)
	}

	l.byID = make(map[int]vision.Point3D, len(l.Tags))
	for _, tag := range l.Tags {
		if _, dup := l.byID[tag.ID]; dup {
			return nil, fmt.Errorf("duplicate landmark id %d", tag.ID)
		}
		l.byID[tag.ID] = tag.Pose.Translation
	}
	return &l, nil
}

// Load reads a layout file.
func Load(path string) (*Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open field layout %s: %w", path, err)
	}
	defer f.Close()
	l, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Resolve returns the field position of a landmark.
func (l *Layout) Resolve(landmarkID int) (vision.Point3D, bool) {
	p, ok := l.byID[landmarkID]
	return p, ok
}

// IDs returns the known landmark ids in ascending order.
func (l *Layout) IDs() []int {
	ids := make([]int, 0, len(l.byID))
	for id := range l.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of landmarks.
func (l *Layout) Len() int {
	return len(l.byID)
}
