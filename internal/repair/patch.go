package repair

import (
	"errors"
	"fmt"
	"strings"

	"github.com/uartcl/uartcl/internal/nor"
)

var ErrNothingToPatch = errors.New("no change requested")

// PatchRequest lists identity changes to apply to an image. Empty fields are
// left alone.
type PatchRequest struct {
	Edition    string
	Serial     string
	MoboSerial string
}

func (r PatchRequest) Empty() bool {
	return strings.TrimSpace(r.Edition) == "" && r.Serial == "" && r.MoboSerial == ""
}

// BuildPatches turns req into patches against img.
func BuildPatches(img *nor.Image, fields nor.DeviceFields, req PatchRequest) ([]nor.Patch, error) {
	if req.Empty() {
		return nil, ErrNothingToPatch
	}

	var patches []nor.Patch
	if edition := strings.TrimSpace(req.Edition); edition != "" {
		ps, err := nor.EditionPatches(img, fields, edition)
		if err != nil {
			return nil, err
		}
		patches = append(patches, ps...)
	}
	if req.Serial != "" {
		p, err := nor.SerialPatch(img, fields, req.Serial)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	if req.MoboSerial != "" {
		p, err := nor.MoboSerialPatch(img, fields, req.MoboSerial)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}

	return patches, nil
}

// PatchImage applies req to img and returns the patched copy together with
// the patches that produced it. img is not modified.
func PatchImage(img *nor.Image, fields nor.DeviceFields, req PatchRequest) (*nor.Image, []nor.Patch, error) {
	patches, err := BuildPatches(img, fields, req)
	if err != nil {
		return nil, nil, err
	}
	next, err := nor.ApplyPatches(img, patches...)
	if err != nil {
		return nil, nil, fmt.Errorf("apply patches: %w", err)
	}

	return next, patches, nil
}
