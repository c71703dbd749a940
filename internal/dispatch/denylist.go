package dispatch

import (
	"fmt"
	"strings"
)

// denylist holds command fragments that are never dispatched to a guest
// shell, no matter who asks. Matching is case-insensitive substring; a false
// positive costs the operator a manual session, a false negative costs a
// filesystem.
var denylist = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"wipefs",
	"dd if=",
	"dd of=/dev/",
	"> /dev/sd",
	"> /dev/nvme",
	"of=/dev/sd",
	"of=/dev/nvme",
	":(){",
	"chmod -r 777 /",
	"chown -r",
	"shutdown",
	"poweroff",
	"halt -f",
	"init 0",
	"init 6",
	"fdisk",
	"parted",
	"shred",
	"mv / ",
	"> /etc/passwd",
	"> /etc/shadow",
}

// CheckCommand rejects shell commands containing a denylisted fragment.
func CheckCommand(command string) error {
	normalized := strings.ToLower(strings.Join(strings.Fields(command), " "))
	for _, fragment := range denylist {
		if strings.Contains(normalized, fragment) {
			return fmt.Errorf("command contains denied fragment %q", fragment)
		}
	}
	return nil
}
