package nor

import (
	"bytes"
	"fmt"
)

// Image is an in-memory NOR snapshot. Operations that change bytes return a
// new Image.
type Image struct {
	layout Layout
	data   []byte
}

func NewImage(layout Layout, data []byte) (*Image, error) {
	if len(data) != layout.Size {
		return nil, fmt.Errorf("image is 0x%X bytes, layout expects 0x%X", len(data), layout.Size)
	}

	return &Image{layout: layout, data: bytes.Clone(data)}, nil
}

func (img *Image) Layout() Layout {
	return img.layout
}

func (img *Image) Size() int {
	return len(img.data)
}

// Bytes returns a copy of the image contents.
func (img *Image) Bytes() []byte {
	return bytes.Clone(img.data)
}

// Slice returns a copy of n bytes at absolute offset off.
func (img *Image) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(img.data) {
		return nil, fmt.Errorf("range 0x%X+0x%X is outside the image", off, n)
	}

	return bytes.Clone(img.data[off : off+n]), nil
}

func (img *Image) RegionBytes(name string) ([]byte, error) {
	r, ok := img.layout.Region(name)
	if !ok {
		return nil, fmt.Errorf("unknown region %q", name)
	}

	return img.Slice(r.Start, r.Len())
}

func (img *Image) Clone() *Image {
	return &Image{layout: img.layout, data: bytes.Clone(img.data)}
}

func (img *Image) Equal(other *Image) bool {
	return other != nil && bytes.Equal(img.data, other.data)
}

// ChecksumStatus describes a region checksum as stored versus computed.
type ChecksumStatus struct {
	Region   string
	Stored   uint32
	Computed uint32
}

func (s ChecksumStatus) Valid() bool {
	return s.Stored == s.Computed
}

// Checksums reports every region that declares a checksum field.
func (img *Image) Checksums() []ChecksumStatus {
	var out []ChecksumStatus
	for _, r := range img.layout.Regions {
		if r.Checksum == nil {
			continue
		}
		computed, err := regionChecksum(img.data, r)
		if err != nil {
			continue
		}
		size := r.Checksum.Size()
		out = append(out, ChecksumStatus{
			Region:   r.Name,
			Stored:   decodeChecksum(img.data[r.Checksum.Offset:r.Checksum.Offset+size], r.Checksum.Order),
			Computed: computed,
		})
	}

	return out
}

// refreshChecksum rewrites the checksum field of r in place.
func (img *Image) refreshChecksum(r Region) error {
	if r.Checksum == nil {
		return nil
	}
	sum, err := regionChecksum(img.data, r)
	if err != nil {
		return err
	}
	size := r.Checksum.Size()
	encodeChecksum(img.data[r.Checksum.Offset:r.Checksum.Offset+size], sum, r.Checksum.Order)

	return nil
}

// RefreshChecksums returns a copy of img with every checksum field
// recomputed from its region bytes.
func (img *Image) RefreshChecksums() (*Image, error) {
	next := img.Clone()
	for _, r := range next.layout.Regions {
		if err := next.refreshChecksum(r); err != nil {
			return nil, fmt.Errorf("region %q: %w", r.Name, err)
		}
	}

	return next, nil
}
