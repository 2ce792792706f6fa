package nor

import (
	"fmt"
	"sort"
	"strings"
)

type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// ChecksumField locates a region checksum. Offset is absolute; the checksum
// covers every byte of the region except the field itself.
type ChecksumField struct {
	Offset    int
	Algorithm string
	Order     ByteOrder
}

func (f ChecksumField) Size() int {
	alg, err := LookupAlgorithm(f.Algorithm)
	if err != nil {
		return 0
	}

	return alg.Size
}

// End is the last byte of the field, inclusive.
func (f ChecksumField) End() int {
	return f.Offset + f.Size() - 1
}

// Region is a named byte range of the image. End is inclusive.
type Region struct {
	Name     string
	Start    int
	End      int
	Checksum *ChecksumField
}

func (r Region) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether the absolute range [off, off+n) lies in r.
func (r Region) Contains(off, n int) bool {
	return n >= 0 && off >= r.Start && off+n-1 <= r.End
}

// overlapsChecksum reports whether the absolute range [off, off+n) touches
// the region checksum field.
func (r Region) overlapsChecksum(off, n int) bool {
	if r.Checksum == nil || n <= 0 {
		return false
	}

	return off <= r.Checksum.End() && off+n-1 >= r.Checksum.Offset
}

// Layout is the device image geometry: a fixed size and ordered,
// non-overlapping regions.
type Layout struct {
	Size    int
	Regions []Region
}

func NewLayout(size int, regions []Region) (Layout, error) {
	if size <= 0 {
		return Layout{}, fmt.Errorf("invalid image size %d", size)
	}

	sorted := make([]Region, len(regions))
	for i, r := range regions {
		if r.Checksum != nil {
			cs := *r.Checksum
			r.Checksum = &cs
		}
		sorted[i] = r
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	seen := make(map[string]struct{}, len(sorted))
	for i, r := range sorted {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return Layout{}, fmt.Errorf("region at 0x%X has no name", r.Start)
		}
		if _, dup := seen[name]; dup {
			return Layout{}, fmt.Errorf("duplicate region %q", name)
		}
		seen[name] = struct{}{}

		if r.Start < 0 || r.End < r.Start || r.End >= size {
			return Layout{}, fmt.Errorf("region %q [0x%X..0x%X] is outside the 0x%X byte image", name, r.Start, r.End, size)
		}
		if i > 0 && r.Start <= sorted[i-1].End {
			return Layout{}, fmt.Errorf("region %q overlaps region %q", name, sorted[i-1].Name)
		}
		if cs := r.Checksum; cs != nil {
			alg, err := LookupAlgorithm(cs.Algorithm)
			if err != nil {
				return Layout{}, fmt.Errorf("region %q: %w", name, err)
			}
			switch cs.Order {
			case "":
				cs.Order = BigEndian
			case BigEndian, LittleEndian:
			default:
				return Layout{}, fmt.Errorf("region %q: unknown checksum byte order %q", name, cs.Order)
			}
			if !r.Contains(cs.Offset, alg.Size) {
				return Layout{}, fmt.Errorf("region %q: checksum field at 0x%X is outside the region", name, cs.Offset)
			}
		}
	}

	return Layout{Size: size, Regions: sorted}, nil
}

func (l Layout) Region(name string) (Region, bool) {
	for _, r := range l.Regions {
		if r.Name == name {
			return r, true
		}
	}

	return Region{}, false
}

// RegionAt returns the region holding absolute offset off.
func (l Layout) RegionAt(off int) (Region, bool) {
	idx := sort.Search(len(l.Regions), func(i int) bool { return l.Regions[i].End >= off })
	if idx < len(l.Regions) && l.Regions[idx].Start <= off {
		return l.Regions[idx], true
	}

	return Region{}, false
}
