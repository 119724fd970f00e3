package ports

import (
	"errors"
	"fmt"
	"net"
)

// ErrExhausted indicates no port block fits below the configured ceiling.
var ErrExhausted = errors.New("port range exhausted")

// Allocator computes candidate port blocks for new environments. The
// count-based arithmetic is only a hint at a likely-free region; callers
// must verify each port with VerifyFree before committing a block, and
// move on to the next block when a port turns out to be taken.
type Allocator struct {
	BasePort  int
	BlockSize int
	Ceiling   int
}

// New returns an allocator over [basePort, ceiling).
func New(basePort, blockSize, ceiling int) (Allocator, error) {
	if basePort <= 0 || basePort > 65535 {
		return Allocator{}, fmt.Errorf("base port %d out of range", basePort)
	}
	if blockSize <= 0 {
		return Allocator{}, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if ceiling <= basePort {
		return Allocator{}, fmt.Errorf("ceiling %d must exceed base port %d", ceiling, basePort)
	}
	return Allocator{BasePort: basePort, BlockSize: blockSize, Ceiling: ceiling}, nil
}

// Allocate assigns sequential ports from the block indexed by blockIndex:
// the first role gets the block's base, the second base+1, and so on.
// Role order is preserved. Returns ErrExhausted when the block would
// cross the ceiling.
func (a Allocator) Allocate(roles []string, blockIndex int) (map[string]int, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	if len(roles) > a.BlockSize {
		return nil, fmt.Errorf("%d roles exceed block size %d", len(roles), a.BlockSize)
	}
	if blockIndex < 0 {
		return nil, fmt.Errorf("block index must not be negative, got %d", blockIndex)
	}
	base := a.BasePort + blockIndex*a.BlockSize
	if base+len(roles)-1 >= a.Ceiling || base+len(roles)-1 > 65535 {
		return nil, fmt.Errorf("%w: block %d starts at %d", ErrExhausted, blockIndex, base)
	}
	assigned := make(map[string]int, len(roles))
	for i, role := range roles {
		if _, dup := assigned[role]; dup {
			return nil, fmt.Errorf("duplicate role %q", role)
		}
		assigned[role] = base + i
	}
	return assigned, nil
}

// VerifyFree confirms the host will let us bind the port right now.
// The listener is closed immediately; the check is advisory and racy by
// nature, which is why allocation happens under the file lock.
func VerifyFree(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("port %d not bindable: %w", port, err)
	}
	return l.Close()
}

// VerifyBlockFree checks every port in the assignment.
func VerifyBlockFree(assigned map[string]int) error {
	for role, port := range assigned {
		if err := VerifyFree(port); err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
	}
	return nil
}
