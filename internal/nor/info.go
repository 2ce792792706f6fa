package nor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const EditionUnknown = "unknown"

// Field is a fixed-size value at an absolute image offset.
type Field struct {
	Offset int
	Length int
}

type Edition struct {
	Name string
	Flag []byte
}

// DeviceFields locates identity values in an image. Editions are listed in
// detection priority.
type DeviceFields struct {
	EditionOffsets []int
	Editions       []Edition
	// SweepRegions are searched for redundant copies of edition flags.
	SweepRegions  []string
	ConsoleSerial Field
	MoboSerial    Field
	Model         Field
	WiFiMAC       Field
	LANMAC        Field
}

func (f DeviceFields) edition(name string) (Edition, bool) {
	for _, e := range f.Editions {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}

	return Edition{}, false
}

func (f DeviceFields) EditionNames() []string {
	names := make([]string, 0, len(f.Editions))
	for _, e := range f.Editions {
		names = append(names, e.Name)
	}

	return names
}

type Info struct {
	Edition       string
	ConsoleSerial string
	MoboSerial    string
	Model         string
	WiFiMAC       string
	LANMAC        string
}

// ScanInfo extracts the console identity from img. Fields outside the image
// read as empty.
func ScanInfo(img *Image, fields DeviceFields) Info {
	return Info{
		Edition:       detectEdition(img, fields),
		ConsoleSerial: asciiField(img, fields.ConsoleSerial),
		MoboSerial:    asciiField(img, fields.MoboSerial),
		Model:         asciiField(img, fields.Model),
		WiFiMAC:       hexField(img, fields.WiFiMAC),
		LANMAC:        hexField(img, fields.LANMAC),
	}
}

func detectEdition(img *Image, fields DeviceFields) string {
	for _, off := range fields.EditionOffsets {
		for _, e := range fields.Editions {
			got, err := img.Slice(off, len(e.Flag))
			if err == nil && bytes.Equal(got, e.Flag) {
				return e.Name
			}
		}
	}

	return EditionUnknown
}

func asciiField(img *Image, f Field) string {
	raw, err := img.Slice(f.Offset, f.Length)
	if err != nil || f.Length == 0 {
		return ""
	}
	end := len(raw)
	for end > 0 && (raw[end-1] == 0x00 || raw[end-1] == 0xFF) {
		end--
	}
	runes := make([]rune, end)
	for i, b := range raw[:end] {
		runes[i] = rune(b)
	}

	return string(runes)
}

func hexField(img *Image, f Field) string {
	raw, err := img.Slice(f.Offset, f.Length)
	if err != nil || f.Length == 0 {
		return ""
	}

	return strings.ToUpper(hex.EncodeToString(raw))
}

// EditionPatches converts img to the named edition: both flag slots are
// rewritten and every other edition flag found in the sweep regions is
// replaced. It returns no patches when img already is that edition.
func EditionPatches(img *Image, fields DeviceFields, edition string) ([]Patch, error) {
	target, ok := fields.edition(edition)
	if !ok {
		return nil, fmt.Errorf("unknown edition %q (want one of %s)", edition, strings.Join(fields.EditionNames(), ", "))
	}
	if detectEdition(img, fields) == target.Name {
		return nil, nil
	}

	touched := make(map[int]struct{})
	var patches []Patch
	add := func(abs int) error {
		if _, dup := touched[abs]; dup {
			return nil
		}
		current, err := img.Slice(abs, len(target.Flag))
		if err != nil {
			return err
		}
		if bytes.Equal(current, target.Flag) {
			return nil
		}
		p, err := patchAt(img.layout, abs, current, target.Flag)
		if err != nil {
			return err
		}
		touched[abs] = struct{}{}
		patches = append(patches, p)

		return nil
	}

	for _, off := range fields.EditionOffsets {
		if err := add(off); err != nil {
			return nil, fmt.Errorf("edition flag at 0x%X: %w", off, err)
		}
	}

	for _, name := range fields.SweepRegions {
		r, ok := img.layout.Region(name)
		if !ok {
			return nil, fmt.Errorf("sweep region %q is not in the layout", name)
		}
		for _, other := range fields.Editions {
			if other.Name == target.Name || len(other.Flag) != len(target.Flag) {
				continue
			}
			for _, abs := range findAll(img.data[r.Start:r.End+1], other.Flag) {
				abs += r.Start
				if r.overlapsChecksum(abs, len(other.Flag)) || overlapsTouched(touched, abs, len(other.Flag)) {
					continue
				}
				if err := add(abs); err != nil {
					return nil, err
				}
			}
		}
	}
	sort.Slice(patches, func(i, j int) bool {
		return patches[i].region < patches[j].region ||
			(patches[i].region == patches[j].region && patches[i].offset < patches[j].offset)
	})

	return patches, nil
}

// SerialPatch sets the console serial number.
func SerialPatch(img *Image, fields DeviceFields, serial string) (Patch, error) {
	return textPatch(img, fields.ConsoleSerial, "console serial", serial)
}

// MoboSerialPatch sets the motherboard serial number.
func MoboSerialPatch(img *Image, fields DeviceFields, serial string) (Patch, error) {
	return textPatch(img, fields.MoboSerial, "motherboard serial", serial)
}

func textPatch(img *Image, f Field, label, value string) (Patch, error) {
	if f.Length == 0 {
		return Patch{}, fmt.Errorf("device profile has no %s field", label)
	}
	runes := []rune(value)
	if len(runes) < 1 || len(runes) > f.Length {
		return Patch{}, fmt.Errorf("%s must be 1-%d characters long", label, f.Length)
	}
	encoded := make([]byte, f.Length)
	for i, r := range runes {
		if r > 0xFF {
			return Patch{}, fmt.Errorf("%s contains non-latin1 character %q", label, r)
		}
		encoded[i] = byte(r)
	}

	current, err := img.Slice(f.Offset, f.Length)
	if err != nil {
		return Patch{}, fmt.Errorf("%s: %w", label, err)
	}

	return patchAt(img.layout, f.Offset, current, encoded)
}

// patchAt builds a patch from an absolute offset.
func patchAt(layout Layout, abs int, original, replacement []byte) (Patch, error) {
	r, ok := layout.RegionAt(abs)
	if !ok {
		return Patch{}, fmt.Errorf("offset 0x%X is not inside any region", abs)
	}

	return NewPatch(r.Name, abs-r.Start, original, replacement)
}

func findAll(data, needle []byte) []int {
	var out []int
	for pos := 0; pos <= len(data)-len(needle); {
		idx := bytes.Index(data[pos:], needle)
		if idx < 0 {
			break
		}
		out = append(out, pos+idx)
		pos += idx + len(needle)
	}

	return out
}

func overlapsTouched(touched map[int]struct{}, abs, n int) bool {
	for off := range touched {
		if abs < off+n && off < abs+n {
			return true
		}
	}

	return false
}
