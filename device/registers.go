package device

import "fmt"

// Register is an index into the device register file.
type Register uint64

// Register map as seen by the host.
const (
	RegAddrM   Register = iota // guest address of operand M
	RegAddrK                   // guest address of operand K
	RegAddrO                   // guest address of the output
	RegSizeM                   // first shape parameter
	RegSizeK                   // second shape parameter
	RegOpcode                  // kernel selector
	RegTrigger                 // write-only, any value starts a job
	RegStatus                  // read-only

	NumRegisters = 8
)

// Status register values.
const (
	StatusBusy uint64 = 0
	StatusIdle uint64 = 1
)

var registerNames = [NumRegisters]string{
	RegAddrM:   "addr_m",
	RegAddrK:   "addr_k",
	RegAddrO:   "addr_o",
	RegSizeM:   "size_m",
	RegSizeK:   "size_k",
	RegOpcode:  "opcode",
	RegTrigger: "trigger",
	RegStatus:  "status",
}

func (r Register) String() string {
	if r < NumRegisters {
		return fmt.Sprintf("r[%d](%s)", uint64(r), registerNames[r])
	}
	return fmt.Sprintf("r[%d]", uint64(r))
}

// staging holds the values latched by writes to registers 0-5.
type staging [RegTrigger]uint64
