package cache

import "strings"

const (
	PurposeStatic  = "static"
	PurposeDynamic = "dynamic"
	PurposeImage   = "image"
)

// Partitions is the set of partition names that belong to one version.
type Partitions struct {
	Version string
	Static  string
	Dynamic string
	Image   string
}

func PartitionName(purpose, version string) string {
	return purpose + "-" + version
}

func NewPartitions(version string) Partitions {
	return Partitions{
		Version: version,
		Static:  PartitionName(PurposeStatic, version),
		Dynamic: PartitionName(PurposeDynamic, version),
		Image:   PartitionName(PurposeImage, version),
	}
}

func (p Partitions) Names() []string {
	return []string{p.Static, p.Dynamic, p.Image}
}

// For returns the partition name serving purpose.
func (p Partitions) For(purpose string) (string, bool) {
	switch purpose {
	case PurposeStatic:
		return p.Static, true
	case PurposeDynamic:
		return p.Dynamic, true
	case PurposeImage:
		return p.Image, true
	default:
		return "", false
	}
}

func (p Partitions) Contains(name string) bool {
	for _, n := range p.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// PurposeOf splits the purpose off a partition name.
func PurposeOf(name string) string {
	if i := strings.LastIndex(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}
