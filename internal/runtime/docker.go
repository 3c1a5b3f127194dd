package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/jveski/warden/internal/api"
)

// Docker runs workloads through the Docker Engine API.
type Docker struct {
	inner    *client.Client
	keychain authn.Keychain
	log      zerolog.Logger
}

// NewDocker connects using the environment defaults (DOCKER_HOST etc.), overridden by host when set.
func NewDocker(host string, log zerolog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{inner: inner, keychain: authn.DefaultKeychain, log: log.With().Str("runtime", "docker").Logger()}, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.inner.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *Docker) Close() error { return d.inner.Close() }

func (d *Docker) Pull(ctx context.Context, ref string) (digest.Digest, error) {
	parsed, err := api.ParseImageRef(ref)
	if err != nil {
		return "", err
	}

	opts := image.PullOptions{}
	if auth, err := d.registryAuth(ref); err != nil {
		d.log.Warn().Err(err).Str("image", ref).Msg("unable to resolve registry credentials, pulling anonymously")
	} else {
		opts.RegistryAuth = auth
	}

	rc, err := d.inner.ImagePull(ctx, ref, opts)
	if err != nil {
		return "", fmt.Errorf("pulling image %q: %w", ref, err)
	}
	defer rc.Close()

	// the pull only fails mid-stream through an error message
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("pulling image %q: %w", ref, err)
	}

	inspect, err := d.inner.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspecting pulled image %q: %w", ref, err)
	}
	return DigestFrom(parsed.Repository, inspect.RepoDigests)
}

func (d *Docker) registryAuth(ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", err
	}
	authenticator, err := d.keychain.Resolve(parsed.Context())
	if err != nil {
		return "", err
	}
	cfg, err := authenticator.Authorization()
	if err != nil {
		return "", err
	}
	if cfg == nil || (cfg.Username == "" && cfg.Password == "" && cfg.Auth == "" && cfg.IdentityToken == "" && cfg.RegistryToken == "") {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
		ServerAddress: parsed.Context().RegistryStr(),
	})
}

func (d *Docker) Run(ctx context.Context, spec *ContainerSpec) (string, error) {
	for _, v := range spec.Workload.Volumes {
		if err := d.ensureVolume(ctx, v.Name, spec.Workload.Name); err != nil {
			return "", err
		}
	}

	cfg, hostCfg := dockerConfig(spec)
	resp, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %q: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		d.log.Warn().Str("container", spec.Name).Msg(w)
	}

	if err := d.inner.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("starting container %q: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) ensureVolume(ctx context.Context, name, workload string) error {
	_, err := d.inner.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting volume %q: %w", name, err)
	}

	_, err = d.inner.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{LabelCreatedBy: createdByValue, LabelWorkload: workload},
	})
	if err != nil {
		return fmt.Errorf("creating volume %q: %w", name, err)
	}
	d.log.Info().Str("volume", name).Str("workload", workload).Msg("created persistent volume")
	return nil
}

func dockerConfig(spec *ContainerSpec) (*container.Config, *container.HostConfig) {
	w := spec.Workload
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          w.Command,
		Env:          w.EnvList(),
		Labels:       spec.Labels(),
		ExposedPorts: nat.PortSet{},
	}

	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			Memory:            int64(w.Resources.MemoryLimit),
			MemoryReservation: int64(w.Resources.MemoryReservation),
		},
	}

	for _, p := range w.Ports {
		port := nat.Port(strconv.Itoa(p.ContainerPort) + "/tcp")
		cfg.ExposedPorts[port] = struct{}{}
		hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
	}

	for _, m := range w.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, v := range w.Volumes {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: v.Name,
			Target: v.ContainerPath,
		})
	}

	return cfg, hostCfg
}

func (d *Docker) Restart(ctx context.Context, id string) error {
	if err := d.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.wrap(err, "restarting container %q", id)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := d.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return d.wrap(err, "stopping container %q", id)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %q: %w", id, err)
	}
	return nil
}

func (d *Docker) Wait(ctx context.Context, id string) (*ExitStatus, error) {
	statusCh, errCh := d.inner.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, d.wrap(err, "waiting for container %q", id)
	case <-statusCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// the wait response doesn't carry the OOM flag
	state, err := d.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExitStatus{Code: state.ExitCode, OOMKilled: state.OOMKilled}, nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	resp, err := d.inner.ContainerInspect(ctx, id)
	if err != nil {
		return nil, d.wrap(err, "inspecting container %q", id)
	}

	state := &ContainerState{ID: resp.ID, Name: trimName(resp.Name), Image: resp.Image}
	if resp.Config != nil {
		state.setLabels(resp.Config.Labels)
	}
	if resp.State != nil {
		state.Running = resp.State.Running
		state.ExitCode = resp.State.ExitCode
		state.OOMKilled = resp.State.OOMKilled
		state.StartedAt, _ = time.Parse(time.RFC3339Nano, resp.State.StartedAt)
	}
	return state, nil
}

func (d *Docker) List(ctx context.Context) ([]*ContainerState, error) {
	list, err := d.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelCreatedBy+"="+createdByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	states := make([]*ContainerState, 0, len(list))
	for _, c := range list {
		state := &ContainerState{
			ID:        c.ID,
			Image:     c.Image,
			Running:   c.State == "running",
			StartedAt: time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			state.Name = trimName(c.Names[0])
		}
		state.setLabels(c.Labels)
		states = append(states, state)
	}
	return states, nil
}

func (d *Docker) Logs(ctx context.Context, id string, opts *LogOptions, w io.Writer) error {
	rc, err := d.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Since:      opts.since(),
	})
	if err != nil {
		return d.wrap(err, "reading logs of container %q", id)
	}
	defer rc.Close()

	// containers run without a TTY so the stream is multiplexed
	_, err = stdcopy.StdCopy(w, w, rc)
	return err
}

func (d *Docker) wrap(err error, format string, args ...any) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
