package transport

import (
	"fmt"
	"sort"
)

// Opcode is the one-byte command identifier carried in every frame.
type Opcode byte

// ResponseFlag is set on the opcode of every frame sent by the device.
const ResponseFlag Opcode = 0x80

func (o Opcode) IsResponse() bool {
	return o&ResponseFlag != 0
}

func (o Opcode) Response() Opcode {
	return o | ResponseFlag
}

func (o Opcode) Request() Opcode {
	return o &^ ResponseFlag
}

func (o Opcode) String() string {
	return fmt.Sprintf("0x%02X", byte(o))
}

// Command is the closed set of logical bootloader commands the tool issues.
type Command uint8

const (
	CommandHello Command = iota + 1
	CommandInfo
	CommandRead
	CommandWrite
	CommandErase
	CommandReboot
)

var commandNames = map[Command]string{
	CommandHello:  "HELLO",
	CommandInfo:   "INFO",
	CommandRead:   "READ",
	CommandWrite:  "WRITE",
	CommandErase:  "ERASE",
	CommandReboot: "REBOOT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("COMMAND(%d)", uint8(c))
}

func (c Command) Valid() bool {
	_, ok := commandNames[c]

	return ok
}

// OpcodeTable maps logical commands to device-specific wire opcodes.
type OpcodeTable map[Command]Opcode

// DefaultOpcodes is used when a device profile does not override the table.
func DefaultOpcodes() OpcodeTable {
	return OpcodeTable{
		CommandHello:  0x01,
		CommandInfo:   0x02,
		CommandRead:   0x10,
		CommandWrite:  0x11,
		CommandErase:  0x12,
		CommandReboot: 0x70,
	}
}

func (t OpcodeTable) Opcode(cmd Command) (Opcode, error) {
	if !cmd.Valid() {
		return 0, fmt.Errorf("unknown command %s", cmd)
	}
	op, ok := t[cmd]
	if !ok {
		return 0, fmt.Errorf("command %s has no opcode in table", cmd)
	}

	return op, nil
}

// Command resolves a request or response opcode back to its command.
func (t OpcodeTable) Command(op Opcode) (Command, bool) {
	req := op.Request()
	for cmd, candidate := range t {
		if candidate == req {
			return cmd, true
		}
	}

	return 0, false
}

func (t OpcodeTable) Contains(op Opcode) bool {
	_, ok := t.Command(op)

	return ok
}

func (t OpcodeTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("opcode table is empty")
	}

	seen := make(map[Opcode]Command, len(t))
	cmds := make([]Command, 0, len(t))
	for cmd := range t {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })

	for _, cmd := range cmds {
		op := t[cmd]
		if !cmd.Valid() {
			return fmt.Errorf("unknown command %d in opcode table", uint8(cmd))
		}
		if op == 0 {
			return fmt.Errorf("command %s: opcode 0x00 is reserved", cmd)
		}
		if op.IsResponse() {
			return fmt.Errorf("command %s: opcode %s collides with the response flag", cmd, op)
		}
		if prev, dup := seen[op]; dup {
			return fmt.Errorf("commands %s and %s share opcode %s", prev, cmd, op)
		}
		seen[op] = cmd
	}

	return nil
}
