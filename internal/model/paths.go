package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// unassigned is the directory used for scans captured without metadata.
const unassigned = "unassigned"

// ScanDir returns the output directory of a scan below root. Segments coming
// from metadata are untrusted and must be single, local path elements.
//
//	<root>/<experiment_id>/<specimen_id>/<YYYY-MM-DD>_<scanID>
func ScanDir(root string, meta *ScanMetadata, scanID string, now time.Time) (string, error) {
	if root == "" {
		return "", fmt.Errorf("scans root: %w", ErrInvalidValue)
	}
	leaf := now.Format(time.DateOnly) + "_" + scanID
	segments := []string{unassigned, leaf}
	if meta != nil {
		segments = []string{meta.ExperimentID, meta.SpecimenID, leaf}
	}
	for _, seg := range segments {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	return filepath.Join(append([]string{root}, segments...)...), nil
}

// RelativeTo returns path relative to root, failing when path escapes root.
func RelativeTo(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%q is not below %q: %w", path, root, ErrUnsafePath)
	}
	if rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q is not below %q: %w", path, root, ErrUnsafePath)
	}
	return rel, nil
}

func checkSegment(seg string) error {
	switch {
	case seg == "":
		return fmt.Errorf("empty segment: %w", ErrUnsafePath)
	case strings.ContainsAny(seg, `/\`):
		return fmt.Errorf("segment %q contains a separator: %w", seg, ErrUnsafePath)
	case !filepath.IsLocal(seg) || seg == "." || seg == "..":
		return fmt.Errorf("segment %q is not local: %w", seg, ErrUnsafePath)
	}
	return nil
}
