package nor

import (
	"bytes"
	"errors"
	"fmt"
)

// Patch replaces bytes at an offset relative to a region start. It never
// changes the image size.
type Patch struct {
	region      string
	offset      int
	original    []byte
	replacement []byte
}

func NewPatch(region string, offset int, original, replacement []byte) (Patch, error) {
	if region == "" {
		return Patch{}, errors.New("patch region is required")
	}
	if offset < 0 {
		return Patch{}, fmt.Errorf("negative patch offset %d", offset)
	}
	if len(original) == 0 {
		return Patch{}, errors.New("patch is empty")
	}
	if len(original) != len(replacement) {
		return Patch{}, fmt.Errorf("patch would resize region %q: %d original bytes, %d replacement bytes", region, len(original), len(replacement))
	}

	return Patch{
		region:      region,
		offset:      offset,
		original:    bytes.Clone(original),
		replacement: bytes.Clone(replacement),
	}, nil
}

func (p Patch) Region() string {
	return p.region
}

func (p Patch) Offset() int {
	return p.offset
}

func (p Patch) Len() int {
	return len(p.original)
}

func (p Patch) Original() []byte {
	return bytes.Clone(p.original)
}

func (p Patch) Replacement() []byte {
	return bytes.Clone(p.replacement)
}

func (p Patch) String() string {
	return fmt.Sprintf("%s+0x%X: % X -> % X", p.region, p.offset, p.original, p.replacement)
}

// ApplyPatch returns a copy of img with p applied and the region checksum
// recomputed. img is left untouched.
func ApplyPatch(img *Image, p Patch) (*Image, error) {
	r, ok := img.layout.Region(p.region)
	if !ok {
		return nil, &OutOfRangeError{Region: p.region, Offset: p.offset, Length: p.Len(), Reason: "unknown region"}
	}
	abs := r.Start + p.offset
	if !r.Contains(abs, p.Len()) {
		return nil, &OutOfRangeError{
			Region: p.region, Offset: p.offset, Length: p.Len(),
			Reason: fmt.Sprintf("region is 0x%X bytes", r.Len()),
		}
	}
	if r.overlapsChecksum(abs, p.Len()) {
		return nil, &OutOfRangeError{Region: p.region, Offset: p.offset, Length: p.Len(), Reason: "overlaps the region checksum field"}
	}

	current := img.data[abs : abs+p.Len()]
	if !bytes.Equal(current, p.original) {
		return nil, &VerificationMismatchError{
			Region:   p.region,
			Offset:   p.offset,
			Expected: bytes.Clone(p.original),
			Actual:   bytes.Clone(current),
		}
	}

	next := img.Clone()
	copy(next.data[abs:], p.replacement)
	if err := next.refreshChecksum(r); err != nil {
		return nil, err
	}

	return next, nil
}

// ApplyPatches applies patches in order and stops at the first failure.
func ApplyPatches(img *Image, patches ...Patch) (*Image, error) {
	cur := img
	for i, p := range patches {
		next, err := ApplyPatch(cur, p)
		if err != nil {
			return nil, fmt.Errorf("patch %d (%s): %w", i+1, p.region, err)
		}
		cur = next
	}
	if cur == img {
		return img.Clone(), nil
	}

	return cur, nil
}
