package nor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sigurn/crc16"
	"zappem.net/pub/debug/xcrc32"
)

// Algorithm is a named region checksum of Size bytes.
type Algorithm struct {
	Name string
	Size int
	sum  func([]byte) uint32
}

func (a Algorithm) Sum(data []byte) uint32 {
	return a.sum(data)
}

func crc16Algorithm(name string, params crc16.Params) Algorithm {
	table := crc16.MakeTable(params)

	return Algorithm{
		Name: name,
		Size: 2,
		sum: func(data []byte) uint32 {
			return uint32(crc16.Checksum(data, table))
		},
	}
}

var algorithms = map[string]Algorithm{
	"crc16-ccitt-false": crc16Algorithm("crc16-ccitt-false", crc16.CRC16_CCITT_FALSE),
	"crc16-xmodem":      crc16Algorithm("crc16-xmodem", crc16.CRC16_XMODEM),
	"crc16-kermit":      crc16Algorithm("crc16-kermit", crc16.CRC16_KERMIT),
	"crc16-modbus":      crc16Algorithm("crc16-modbus", crc16.CRC16_MODBUS),
	"crc32": {
		Name: "crc32",
		Size: 4,
		sum: func(data []byte) uint32 {
			_, crc := xcrc32.NewCRC32(data)

			return uint32(crc)
		},
	},
	// sum8 is the two's complement of the byte sum.
	"sum8": {
		Name: "sum8",
		Size: 1,
		sum: func(data []byte) uint32 {
			var sum byte
			for _, b := range data {
				sum += b
			}

			return uint32(^sum + 1)
		},
	},
}

func LookupAlgorithm(name string) (Algorithm, error) {
	alg, ok := algorithms[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("unknown checksum algorithm %q", name)
	}

	return alg, nil
}

func AlgorithmNames() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// regionChecksum computes the checksum of r over data, skipping the field.
func regionChecksum(data []byte, r Region) (uint32, error) {
	cs := r.Checksum
	if cs == nil {
		return 0, fmt.Errorf("region %q has no checksum field", r.Name)
	}
	alg, err := LookupAlgorithm(cs.Algorithm)
	if err != nil {
		return 0, err
	}

	covered := make([]byte, 0, r.Len()-alg.Size)
	covered = append(covered, data[r.Start:cs.Offset]...)
	covered = append(covered, data[cs.Offset+alg.Size:r.End+1]...)

	return alg.Sum(covered), nil
}

func encodeChecksum(dst []byte, value uint32, order ByteOrder) {
	var bo binary.ByteOrder = binary.BigEndian
	if order == LittleEndian {
		bo = binary.LittleEndian
	}
	switch len(dst) {
	case 1:
		dst[0] = byte(value)
	case 2:
		// #nosec G115 -- 16-bit algorithms never exceed the field width.
		bo.PutUint16(dst, uint16(value))
	case 4:
		bo.PutUint32(dst, value)
	}
}

func decodeChecksum(src []byte, order ByteOrder) uint32 {
	var bo binary.ByteOrder = binary.BigEndian
	if order == LittleEndian {
		bo = binary.LittleEndian
	}
	switch len(src) {
	case 1:
		return uint32(src[0])
	case 2:
		return uint32(bo.Uint16(src))
	case 4:
		return bo.Uint32(src)
	default:
		return 0
	}
}
