// Package profile loads device tables: opcodes, NOR geometry, checksum
// fields and identity field offsets.
package profile

import (
	"bytes"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/transport"
)

const DefaultName = "ps5-2mib"

//go:embed profiles/*.yaml
var builtinFS embed.FS

type Profile struct {
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	FlashSize     int              `yaml:"flash_size"`
	MaxPayload    int              `yaml:"max_payload"`
	ChunkSize     int              `yaml:"chunk_size"`
	MinBootloader string           `yaml:"min_bootloader"`
	Opcodes       map[string]int   `yaml:"opcodes"`
	Regions       []RegionSpec     `yaml:"regions"`
	Fields        map[string]Field `yaml:"fields"`
	Editions      EditionSpec      `yaml:"editions"`
}

type RegionSpec struct {
	Name     string        `yaml:"name"`
	Start    int           `yaml:"start"`
	End      int           `yaml:"end"`
	Checksum *ChecksumSpec `yaml:"checksum,omitempty"`
}

type ChecksumSpec struct {
	Offset    int    `yaml:"offset"`
	Algorithm string `yaml:"algorithm"`
	Order     string `yaml:"order"`
}

type Field struct {
	Offset int `yaml:"offset"`
	Length int `yaml:"length"`
}

type EditionSpec struct {
	Offsets      []int         `yaml:"offsets"`
	SweepRegions []string      `yaml:"sweep_regions"`
	Flags        []EditionFlag `yaml:"flags"`
}

type EditionFlag struct {
	Name string `yaml:"name"`
	Flag string `yaml:"flag"`
}

var commandsByName = map[string]transport.Command{
	"hello":  transport.CommandHello,
	"info":   transport.CommandInfo,
	"read":   transport.CommandRead,
	"write":  transport.CommandWrite,
	"erase":  transport.CommandErase,
	"reboot": transport.CommandReboot,
}

var knownFields = map[string]struct{}{
	"console_serial": {},
	"mobo_serial":    {},
	"model":          {},
	"wifi_mac":       {},
	"lan_mac":        {},
}

func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("profiles")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), ".yaml"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

func Builtin(name string) (*Profile, error) {
	raw, err := builtinFS.ReadFile(path.Join("profiles", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown built-in profile %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
	}

	return Parse(raw)
}

func LoadFile(filePath string) (*Profile, error) {
	// #nosec G304 -- profile paths are operator supplied.
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", filePath, err)
	}

	return p, nil
}

// Resolve accepts a built-in profile name or a path to a YAML file. An empty
// value selects the default profile.
func Resolve(nameOrPath string) (*Profile, error) {
	nameOrPath = strings.TrimSpace(nameOrPath)
	if nameOrPath == "" {
		nameOrPath = DefaultName
	}
	for _, name := range BuiltinNames() {
		if name == nameOrPath {
			return Builtin(name)
		}
	}

	return LoadFile(nameOrPath)
}

func Parse(raw []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	if p.MaxPayload < 0 || p.MaxPayload > transport.MaxPayloadLen {
		return fmt.Errorf("max_payload must be within 0..%d", transport.MaxPayloadLen)
	}
	if p.ChunkSize < 0 || p.ChunkSize > nor.MaxChunkSize {
		return fmt.Errorf("chunk_size must be within 0..%d", nor.MaxChunkSize)
	}
	if p.MaxPayload > 0 && p.ChunkSize > nor.MaxChunkSizeFor(p.MaxPayload) {
		return fmt.Errorf("chunk_size %d does not fit max_payload %d", p.ChunkSize, p.MaxPayload)
	}
	if p.EffectiveChunkSize() <= 0 {
		return fmt.Errorf("max_payload %d leaves no room for data", p.MaxPayload)
	}
	if _, err := p.OpcodeTable(); err != nil {
		return err
	}
	layout, err := p.Layout()
	if err != nil {
		return err
	}
	for name, f := range p.Fields {
		if _, ok := knownFields[name]; !ok {
			return fmt.Errorf("unknown field %q", name)
		}
		if f.Length <= 0 || f.Offset < 0 || f.Offset+f.Length > layout.Size {
			return fmt.Errorf("field %q is outside the image", name)
		}
	}
	if _, err := p.DeviceFields(); err != nil {
		return err
	}

	return nil
}

// EffectiveChunkSize is the transfer size used against the device: chunk_size,
// or the engine default when unset, capped to what max_payload allows.
func (p *Profile) EffectiveChunkSize() int {
	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = nor.DefaultChunkSize
	}

	return min(chunk, nor.MaxChunkSizeFor(p.MaxPayload))
}

// OpcodeTable maps the profile opcodes onto commands. Missing commands fall
// back to the default table.
func (p *Profile) OpcodeTable() (transport.OpcodeTable, error) {
	table := transport.DefaultOpcodes()
	for name, value := range p.Opcodes {
		cmd, ok := commandsByName[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown command %q in opcodes", name)
		}
		if value <= 0 || value > 0xFF {
			return nil, fmt.Errorf("opcode for %s must be a single byte, got %d", name, value)
		}
		table[cmd] = transport.Opcode(value)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("opcodes: %w", err)
	}

	return table, nil
}

func (p *Profile) Codec() (*transport.Codec, error) {
	table, err := p.OpcodeTable()
	if err != nil {
		return nil, err
	}

	return transport.NewCodec(table, p.MaxPayload)
}

func (p *Profile) Layout() (nor.Layout, error) {
	regions := make([]nor.Region, 0, len(p.Regions))
	for _, spec := range p.Regions {
		r := nor.Region{Name: spec.Name, Start: spec.Start, End: spec.End}
		if cs := spec.Checksum; cs != nil {
			r.Checksum = &nor.ChecksumField{
				Offset:    cs.Offset,
				Algorithm: strings.ToLower(cs.Algorithm),
				Order:     nor.ByteOrder(strings.ToLower(cs.Order)),
			}
		}
		regions = append(regions, r)
	}

	layout, err := nor.NewLayout(p.FlashSize, regions)
	if err != nil {
		return nor.Layout{}, fmt.Errorf("profile %s layout: %w", p.Name, err)
	}

	return layout, nil
}

func (p *Profile) DeviceFields() (nor.DeviceFields, error) {
	fields := nor.DeviceFields{
		EditionOffsets: append([]int(nil), p.Editions.Offsets...),
		SweepRegions:   append([]string(nil), p.Editions.SweepRegions...),
		ConsoleSerial:  p.field("console_serial"),
		MoboSerial:     p.field("mobo_serial"),
		Model:          p.field("model"),
		WiFiMAC:        p.field("wifi_mac"),
		LANMAC:         p.field("lan_mac"),
	}
	width := 0
	for _, e := range p.Editions.Flags {
		flag, err := hex.DecodeString(strings.ReplaceAll(e.Flag, " ", ""))
		if err != nil || len(flag) == 0 {
			return nor.DeviceFields{}, fmt.Errorf("edition %q: invalid flag %q", e.Name, e.Flag)
		}
		if width != 0 && len(flag) != width {
			return nor.DeviceFields{}, fmt.Errorf("edition %q: flag width %d differs from %d", e.Name, len(flag), width)
		}
		width = len(flag)
		fields.Editions = append(fields.Editions, nor.Edition{Name: strings.ToLower(e.Name), Flag: flag})
	}
	for _, name := range fields.SweepRegions {
		if !p.hasRegion(name) {
			return nor.DeviceFields{}, fmt.Errorf("sweep region %q is not defined", name)
		}
	}
	for _, off := range fields.EditionOffsets {
		if off < 0 || off+width > p.FlashSize {
			return nor.DeviceFields{}, fmt.Errorf("edition offset 0x%X is outside the image", off)
		}
	}

	return fields, nil
}

func (p *Profile) field(name string) nor.Field {
	f := p.Fields[name]

	return nor.Field{Offset: f.Offset, Length: f.Length}
}

func (p *Profile) hasRegion(name string) bool {
	for _, r := range p.Regions {
		if r.Name == name {
			return true
		}
	}

	return false
}
