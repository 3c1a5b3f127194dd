package api

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ValidationError lists every invariant a workload set violates.
type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Error() string {
	if len(v.Problems) == 1 {
		return "invalid configuration: " + v.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  - %s", len(v.Problems), strings.Join(v.Problems, "\n  - "))
}

func (v *ValidationError) add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the invariants of a managed workload set and the watch-set naming a subset of it.
// A nil return means every workload may be brought up.
func Validate(specs []*WorkloadSpec, watch []string) error {
	v := &ValidationError{}

	var (
		names     = map[string]struct{}{}
		hostPorts = map[int]string{}
		volumes   = map[string]string{}
	)
	for i, spec := range specs {
		if spec == nil {
			v.add("workload #%d is empty", i+1)
			continue
		}

		name := spec.Name
		if name == "" {
			v.add("workload #%d has no name", i+1)
			name = fmt.Sprintf("#%d", i+1)
		} else if _, ok := names[name]; ok {
			v.add("duplicate workload name %q", name)
		}
		names[name] = struct{}{}

		if spec.Image.Repository == "" {
			v.add("workload %q has no image", name)
		}
		if spec.Track != "" {
			if _, err := semver.NewConstraint(spec.Track); err != nil {
				v.add("workload %q has an invalid track constraint %q: %s", name, spec.Track, err)
			}
		}

		res := spec.Resources
		if res.MemoryReservation < 0 || res.MemoryLimit < 0 {
			v.add("workload %q has a negative memory size", name)
		}
		switch {
		case res.MemoryReservation > 0 && res.MemoryLimit == 0:
			v.add("workload %q reserves memory (%s) without setting memory_limit", name, res.MemoryReservation)
		case res.MemoryReservation > res.MemoryLimit:
			v.add("workload %q reserves more memory (%s) than its limit (%s)", name, res.MemoryReservation, res.MemoryLimit)
		}

		for _, m := range spec.Mounts {
			if m.HostPath == "" || !filepath.IsAbs(m.ContainerPath) {
				v.add("workload %q has a mount without a host path or absolute container path", name)
			}
		}

		for _, vol := range spec.Volumes {
			if vol.Name == "" || !filepath.IsAbs(vol.ContainerPath) {
				v.add("workload %q has a volume without a name or absolute container path", name)
				continue
			}
			if owner, ok := volumes[vol.Name]; ok && owner != name {
				v.add("volume %q is bound to both %q and %q", vol.Name, owner, name)
			} else if ok {
				v.add("volume %q is mounted twice by %q", vol.Name, name)
			}
			volumes[vol.Name] = name
		}

		for _, p := range spec.Ports {
			if !validPort(p.HostPort) || !validPort(p.ContainerPort) {
				v.add("workload %q has an out of range port mapping %d:%d", name, p.HostPort, p.ContainerPort)
				continue
			}
			if owner, ok := hostPorts[p.HostPort]; ok {
				v.add("host port %d is published by both %q and %q", p.HostPort, owner, name)
				continue
			}
			hostPorts[p.HostPort] = name
		}

		if spec.Metrics != nil {
			if _, ok := spec.HostPortFor(spec.Metrics.Port); !ok {
				v.add("workload %q exposes metrics on container port %d which is not published", name, spec.Metrics.Port)
			}
			if spec.Metrics.Interval < 0 {
				v.add("workload %q has a negative scrape interval", name)
			}
		}
	}

	seen := map[string]struct{}{}
	for _, name := range watch {
		if _, ok := names[name]; !ok {
			v.add("watch-set names unknown workload %q", name)
		}
		if _, ok := seen[name]; ok {
			v.add("watch-set names %q twice", name)
		}
		seen[name] = struct{}{}
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p < 65536 }
