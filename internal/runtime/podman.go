package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/jveski/warden/internal/api"
)

// Podman runs workloads by shelling out to the podman CLI.
type Podman struct {
	Binary string
	log    zerolog.Logger
}

func NewPodman(log zerolog.Logger) *Podman {
	return &Podman{Binary: "podman", log: log.With().Str("runtime", "podman").Logger()}
}

func (p *Podman) Pull(ctx context.Context, ref string) (digest.Digest, error) {
	parsed, err := api.ParseImageRef(ref)
	if err != nil {
		return "", err
	}
	if _, err := p.output(ctx, "pull", "--quiet", ref); err != nil {
		return "", fmt.Errorf("pulling image %q: %w", ref, err)
	}

	out, err := p.output(ctx, "image", "inspect", "--format={{json .RepoDigests}}", ref)
	if err != nil {
		return "", fmt.Errorf("inspecting pulled image %q: %w", ref, err)
	}
	repoDigests := []string{}
	if err := json.Unmarshal(out, &repoDigests); err != nil {
		return "", fmt.Errorf("decoding image inspection: %w", err)
	}
	return DigestFrom(parsed.Repository, repoDigests)
}

func (p *Podman) Run(ctx context.Context, spec *ContainerSpec) (string, error) {
	out, err := p.output(ctx, getPodmanFlags(spec)...)
	if err != nil {
		return "", fmt.Errorf("running container %q: %w", spec.Name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func getPodmanFlags(spec *ContainerSpec) []string {
	w := spec.Workload
	args := []string{"run", "-d", "--name", spec.Name, "--restart=no"}

	for key, val := range spec.Labels() {
		args = append(args, fmt.Sprintf("--label=%s=%s", key, val))
	}

	if w.Resources.MemoryLimit > 0 {
		args = append(args, fmt.Sprintf("--memory=%d", w.Resources.MemoryLimit))
	}
	if w.Resources.MemoryReservation > 0 {
		args = append(args, fmt.Sprintf("--memory-reservation=%d", w.Resources.MemoryReservation))
	}

	for _, env := range w.EnvList() {
		args = append(args, "--env="+env)
	}

	for _, m := range w.Mounts {
		flag := fmt.Sprintf("--mount=type=bind,source=%s,target=%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			flag += ",readonly"
		}
		args = append(args, flag)
	}
	for _, v := range w.Volumes {
		args = append(args, fmt.Sprintf("--mount=type=volume,source=%s,target=%s", v.Name, v.ContainerPath))
	}

	for _, port := range w.Ports {
		args = append(args, fmt.Sprintf("--publish=%d:%d", port.HostPort, port.ContainerPort))
	}

	args = append(args, spec.Image)
	return append(args, w.Command...)
}

func (p *Podman) Restart(ctx context.Context, id string) error {
	if _, err := p.output(ctx, "start", id); err != nil {
		return wrapPodman(err, "restarting container %q", id)
	}
	return nil
}

func (p *Podman) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if _, err := p.output(ctx, "stop", "--time", strconv.Itoa(secs), id); err != nil {
		return wrapPodman(err, "stopping container %q", id)
	}
	return nil
}

func (p *Podman) Remove(ctx context.Context, id string) error {
	if _, err := p.output(ctx, "rm", "--force", "--ignore", id); err != nil {
		return fmt.Errorf("removing container %q: %w", id, err)
	}
	return nil
}

func (p *Podman) Wait(ctx context.Context, id string) (*ExitStatus, error) {
	if _, err := p.output(ctx, "wait", id); err != nil {
		return nil, wrapPodman(err, "waiting for container %q", id)
	}
	state, err := p.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExitStatus{Code: state.ExitCode, OOMKilled: state.OOMKilled}, nil
}

type inspectOutput struct {
	ID          string `json:"Id"`
	Name        string
	ImageDigest string
	ImageName   string
	Config      struct {
		Labels map[string]string
	}
	State struct {
		Running   bool
		ExitCode  int
		OOMKilled bool
		StartedAt time.Time
	}
}

func (p *Podman) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	out, err := p.output(ctx, "container", "inspect", id)
	if err != nil {
		return nil, wrapPodman(err, "inspecting container %q", id)
	}
	return parseInspect(out)
}

func parseInspect(out []byte) (*ContainerState, error) {
	list := []*inspectOutput{}
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("decoding 'inspect' command's output: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}

	c := list[0]
	state := &ContainerState{
		ID:        c.ID,
		Name:      c.Name,
		Image:     c.ImageName,
		Running:   c.State.Running,
		ExitCode:  c.State.ExitCode,
		OOMKilled: c.State.OOMKilled,
		StartedAt: c.State.StartedAt,
	}
	state.setLabels(c.Config.Labels)
	return state, nil
}

var podmanPsArgs = []string{"ps", "--all", "--format=json", "--filter=label=" + LabelCreatedBy + "=" + createdByValue}

type psOutput struct {
	ID        string `json:"Id"`
	Names     []string
	Image     string
	Labels    map[string]string
	Exited    bool
	ExitCode  int
	StartedAt int64
}

func (p *Podman) List(ctx context.Context) ([]*ContainerState, error) {
	out, err := p.output(ctx, podmanPsArgs...)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return parsePs(out)
}

func parsePs(out []byte) ([]*ContainerState, error) {
	list := []*psOutput{}
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("decoding 'ps' command's output: %w", err)
	}

	states := make([]*ContainerState, 0, len(list))
	for _, c := range list {
		state := &ContainerState{
			ID:        c.ID,
			Image:     c.Image,
			Running:   !c.Exited,
			ExitCode:  c.ExitCode,
			StartedAt: time.Unix(c.StartedAt, 0),
		}
		if len(c.Names) > 0 {
			state.Name = c.Names[0]
		}
		state.setLabels(c.Labels)
		states = append(states, state)
	}
	return states, nil
}

func (p *Podman) Logs(ctx context.Context, id string, opts *LogOptions, w io.Writer) error {
	args := []string{"logs"}
	if opts.Follow {
		args = append(args, "--follow")
	}
	if since := opts.since(); since != "" {
		args = append(args, "--since", since)
	}
	args = append(args, id)

	cmd := exec.CommandContext(ctx, p.Binary, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("streaming logs of container %q: %w", id, err)
	}
	return nil
}

// wrapPodman maps podman's missing container message to ErrNotFound.
func wrapPodman(err error, format string, args ...any) error {
	if strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (p *Podman) output(ctx context.Context, args ...string) ([]byte, error) {
	p.log.Trace().Strs("args", args).Msg("running podman")

	cmd := exec.CommandContext(ctx, p.Binary, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, err
	}
	return out, nil
}
