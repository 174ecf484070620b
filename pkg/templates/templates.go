// Package templates locates template datasets on the local filesystem.
//
// A dataset is a directory named after the template under the resolver root,
// holding one reference image per contrast and a brain mask per resolution:
//
//	<root>/<template>/1mm_T1.nii.gz
//	<root>/<template>/1mm_brainmask.nii.gz
//	<root>/<template>/2mm_T1.nii.gz
//	...
package templates

import (
	"fmt"
	"os"
	"path/filepath"

	"robustmni/internal/models"
)

// ImageExt is the extension of dataset images.
const ImageExt = ".nii.gz"

// Resolver maps template names to dataset files under Root.
type Resolver struct {
	Root string
}

// NewResolver creates a resolver over root.
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root}
}

// Dataset returns the directory of the named template.
func (r *Resolver) Dataset(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	dir, err := filepath.Abs(filepath.Join(r.Root, name))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("template %s not available: %w", name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("template %s is not a directory", dir)
	}
	return dir, nil
}

// ReferenceImage returns the template image of the given contrast and resolution.
func (r *Resolver) ReferenceImage(name string, resolution int, modality models.Modality) (string, error) {
	return r.file(name, fmt.Sprintf("%dmm_%s%s", resolution, modality, ImageExt))
}

// BrainMask returns the template brain mask at the given resolution.
func (r *Resolver) BrainMask(name string, resolution int) (string, error) {
	return r.file(name, fmt.Sprintf("%dmm_brainmask%s", resolution, ImageExt))
}

func (r *Resolver) file(name, base string) (string, error) {
	dir, err := r.Dataset(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, base)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("template %s has no %s: %w", name, base, err)
	}
	return path, nil
}
