package api

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
)

// WorkloadSpec is the declarative description of one managed long-running process.
type WorkloadSpec struct {
	Name      string            `toml:"name" json:"name"`
	Image     ImageRef          `toml:"image" json:"image"`
	Track     string            `toml:"track" json:"track,omitempty"` // optional semver constraint followed by the supervisor
	Resources ResourceLimits    `toml:"resources" json:"resources"`
	EnvFile   string            `toml:"env_file" json:"envFile,omitempty"`
	Env       map[string]string `toml:"env" json:"env,omitempty"`
	Mounts    []*Mount          `toml:"mount" json:"mounts,omitempty"`
	Volumes   []*VolumeMount    `toml:"volume" json:"volumes,omitempty"`
	Ports     []*PortMapping    `toml:"port" json:"ports,omitempty"`
	Command   []string          `toml:"command" json:"command,omitempty"`
	Metrics   *MetricsEndpoint  `toml:"metrics" json:"metrics,omitempty"`
}

type ResourceLimits struct {
	MemoryReservation ByteSize `toml:"memory_reservation" json:"memoryReservation"`
	MemoryLimit       ByteSize `toml:"memory_limit" json:"memoryLimit"`
}

type Mount struct {
	HostPath      string `toml:"host_path" json:"hostPath"`
	ContainerPath string `toml:"container_path" json:"containerPath"`
	ReadOnly      bool   `toml:"read_only" json:"readOnly"`
}

// VolumeMount binds a named persistent volume into the container.
// The volume outlives every instance of the workload and is only ever removed by an operator.
type VolumeMount struct {
	Name          string `toml:"name" json:"name"`
	ContainerPath string `toml:"container_path" json:"containerPath"`
}

type PortMapping struct {
	HostPort      int `toml:"host" json:"host"`
	ContainerPort int `toml:"container" json:"container"`
}

type MetricsEndpoint struct {
	Port     int           `toml:"port" json:"port"` // container port, must be published
	Path     string        `toml:"path" json:"path,omitempty"`
	Interval time.Duration `toml:"interval" json:"interval,omitempty"`
}

// Hash identifies the exact configuration of a spec. Any change to the spec changes the hash.
func (w *WorkloadSpec) Hash() string {
	buf, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("marshaling workload spec: %s", err)) // all fields are plain data
	}
	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:])
}

// HostPortFor returns the published host port of the given container port.
func (w *WorkloadSpec) HostPortFor(containerPort int) (int, bool) {
	for _, p := range w.Ports {
		if p.ContainerPort == containerPort {
			return p.HostPort, true
		}
	}
	return 0, false
}

// MetricsTarget derives the scrape target of the workload's metrics endpoint.
func (w *WorkloadSpec) MetricsTarget() (*MetricsTarget, bool) {
	if w.Metrics == nil {
		return nil, false
	}
	port, ok := w.HostPortFor(w.Metrics.Port)
	if !ok {
		return nil, false
	}

	path := w.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	return &MetricsTarget{
		Workload: w.Name,
		Address:  "127.0.0.1",
		Port:     port,
		Path:     path,
		Interval: w.Metrics.Interval,
	}, true
}

// EnvList renders the environment in KEY=VALUE form, sorted by key.
func (w *WorkloadSpec) EnvList() []string {
	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, len(keys))
	for i, k := range keys {
		env[i] = k + "=" + w.Env[k]
	}
	return env
}

// MetricsTarget is a static scrape target, derived 1:1 from a workload's metrics endpoint.
type MetricsTarget struct {
	Workload string        `json:"workload"`
	Address  string        `json:"address"`
	Port     int           `json:"port"`
	Path     string        `json:"path"`
	Interval time.Duration `json:"interval"`
}

func (m *MetricsTarget) URL() string {
	return "http://" + net.JoinHostPort(m.Address, strconv.Itoa(m.Port)) + m.Path
}

// ImageRef is a versioned reference to a container image: repository[:tag][@digest].
type ImageRef struct {
	Repository string
	Tag        string
	Digest     digest.Digest
}

func ParseImageRef(s string) (ImageRef, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}
	s = raw

	ref := ImageRef{}
	if i := strings.Index(s, "@"); i >= 0 {
		d, err := digest.Parse(s[i+1:])
		if err != nil {
			return ImageRef{}, fmt.Errorf("invalid digest in image reference %q: %w", raw, err)
		}
		ref.Digest = d
		s = s[:i]
	}

	// a colon after the last slash separates the tag; earlier colons belong to a registry port
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		ref.Tag = s[i+1:]
		s = s[:i]
	}
	if s == "" {
		return ImageRef{}, fmt.Errorf("image reference %q has no repository", raw)
	}
	ref.Repository = s

	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = "latest"
	}
	return ref, nil
}

func (r ImageRef) String() string {
	s := r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest.String()
	}
	return s
}

// WithTag returns a copy of the reference pointing at a different tag, without a digest.
func (r ImageRef) WithTag(tag string) ImageRef {
	return ImageRef{Repository: r.Repository, Tag: tag}
}

// Pinned returns the reference resolved to the given digest, dropping the tag.
func (r ImageRef) Pinned(d digest.Digest) string {
	return r.Repository + "@" + d.String()
}

func (r ImageRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ImageRef) UnmarshalText(text []byte) error {
	parsed, err := ParseImageRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ByteSize is a number of bytes, written in config as a human readable size like "512m" or "8GiB".
type ByteSize int64

func (b ByteSize) String() string { return units.BytesSize(float64(b)) }

func (b ByteSize) MarshalText() ([]byte, error) { return []byte(strconv.FormatInt(int64(b), 10)), nil }

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// Status is the admin API's view of every managed instance.
type Status struct {
	Instances []*InstanceState `json:"instances"`
}

type InstanceState struct {
	Workload  string    `json:"workload"`
	ID        string    `json:"id"`
	Container string    `json:"container"`
	Image     string    `json:"image"`
	Digest    string    `json:"digest"`
	Status    string    `json:"status"`
	Intent    string    `json:"intent,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Restarts  int       `json:"restarts"`
	Reason    string    `json:"reason,omitempty"`
	Watched   bool      `json:"watched,omitempty"`
}
