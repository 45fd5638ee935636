package models

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sandpit-io/sandpit/internal/errs"
)

var (
	cpuRe  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	sizeRe = regexp.MustCompile(`^([1-9][0-9]*)(Mi|Gi)$`)
)

// ResourceLimit is the immutable resource envelope of a session.
// CPU is a positive rational in cores ("1", "0.5"); Memory and Disk use
// binary suffixes ("512Mi", "2Gi").
type ResourceLimit struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Disk         string `json:"disk"`
	MaxProcesses int    `json:"max_processes"`
}

// DefaultResourceLimit is the envelope applied when nothing is requested.
func DefaultResourceLimit() ResourceLimit {
	return ResourceLimit{CPU: "1", Memory: "512Mi", Disk: "1Gi", MaxProcesses: DefaultMaxProcesses}
}

// WithCPU returns a copy with the CPU replaced.
func (r ResourceLimit) WithCPU(cpu string) ResourceLimit {
	r.CPU = cpu
	return r
}

// WithMemory returns a copy with the memory replaced.
func (r ResourceLimit) WithMemory(memory string) ResourceLimit {
	r.Memory = memory
	return r
}

// WithDisk returns a copy with the disk replaced.
func (r ResourceLimit) WithDisk(disk string) ResourceLimit {
	r.Disk = disk
	return r
}

// WithMaxProcesses returns a copy with the pid limit replaced.
func (r ResourceLimit) WithMaxProcesses(n int) ResourceLimit {
	r.MaxProcesses = n
	return r
}

// Validate checks every field against its format and positivity rules.
func (r ResourceLimit) Validate() error {
	if !cpuRe.MatchString(r.CPU) {
		return errs.Validation("Resource.InvalidCPU", "cpu must be a positive number, got %q", r.CPU)
	}
	if v, err := strconv.ParseFloat(r.CPU, 64); err != nil || v <= 0 {
		return errs.Validation("Resource.InvalidCPU", "cpu must be positive, got %q", r.CPU)
	}
	if !sizeRe.MatchString(r.Memory) {
		return errs.Validation("Resource.InvalidMemory", "memory must look like 512Mi or 2Gi, got %q", r.Memory)
	}
	if !sizeRe.MatchString(r.Disk) {
		return errs.Validation("Resource.InvalidDisk", "disk must look like 512Mi or 2Gi, got %q", r.Disk)
	}
	if r.MaxProcesses <= 0 {
		return errs.Validation("Resource.InvalidMaxProcesses", "max_processes must be positive, got %d", r.MaxProcesses)
	}
	return nil
}

// CPUQuota returns the Docker CFS quota in microseconds per 100ms period.
func (r ResourceLimit) CPUQuota() int64 {
	v, err := strconv.ParseFloat(r.CPU, 64)
	if err != nil {
		return 0
	}
	return int64(v * 100000)
}

// MemoryBytes returns the memory limit in bytes, or 0 if unparseable.
func (r ResourceLimit) MemoryBytes() int64 {
	return sizeBytes(r.Memory)
}

// DiskBytes returns the disk limit in bytes, or 0 if unparseable.
func (r ResourceLimit) DiskBytes() int64 {
	return sizeBytes(r.Disk)
}

func sizeBytes(s string) int64 {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	if strings.HasSuffix(s, "Gi") {
		return n << 30
	}
	return n << 20
}
