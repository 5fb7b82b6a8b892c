package supervisor

import "github.com/shirou/gopsutil/v4/mem"

// memoryFunc reports available and total system memory in bytes. The
// handler takes it as a dependency so tests can substitute fixed values.
type memoryFunc func() (available, total uint64, err error)

func systemMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Available, vm.Total, nil
}
