package executor

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"go.skia.org/sai/go/skerr"
)

// HostResources is the builder's current spare capacity, sampled for the
// registration/loadreport messages' avail_mem_kib/avail_sto_kib fields.
type HostResources struct {
	AvailMemKiB int64
	AvailStoKiB int64
}

// SampleHostResources reads current available memory and available disk
// space on jobsRoot's filesystem.
func SampleHostResources(jobsRoot string) (HostResources, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostResources{}, skerr.Wrapf(err, "executor: sampling memory")
	}
	du, err := disk.Usage(jobsRoot)
	if err != nil {
		return HostResources{}, skerr.Wrapf(err, "executor: sampling disk at %s", jobsRoot)
	}
	return HostResources{
		AvailMemKiB: int64(vm.Available / 1024),
		AvailStoKiB: int64(du.Free / 1024),
	}, nil
}
