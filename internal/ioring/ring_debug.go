//go:build linux

package ioring

import "fmt"

func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}
	kind := "READ"
	if o.Opcode == OpWrite {
		kind = "WRITE"
	}
	return fmt.Sprintf("Op | %-5s fd=0x%x off=0x%08x len=0x%06x res=%d", kind, o.Fd, o.Off, o.Len, o.Res)
}
