package registry

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"

	"github.com/jveski/warden/internal/api"
)

// Version is the currently published version of an image reference. It is only ever compared, never stored.
type Version struct {
	Tag    string
	Digest digest.Digest
}

// Resolver returns the latest published version of an image reference.
// track is an optional semver constraint; when set the highest matching tag is followed instead of ref's tag.
type Resolver interface {
	Resolve(ctx context.Context, ref api.ImageRef, track string) (*Version, error)
}

// Client resolves versions against OCI registries.
type Client struct {
	nameOpts   []name.Option
	remoteOpts []remote.Option
}

type Option func(*Client)

// WithInsecure allows plain HTTP registries.
func WithInsecure() Option {
	return func(c *Client) { c.nameOpts = append(c.nameOpts, name.Insecure) }
}

func WithKeychain(k authn.Keychain) Option {
	return func(c *Client) { c.remoteOpts = append(c.remoteOpts, remote.WithAuthFromKeychain(k)) }
}

func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.remoteOpts) == 0 {
		c.remoteOpts = append(c.remoteOpts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	return c
}

func (c *Client) Resolve(ctx context.Context, ref api.ImageRef, track string) (*Version, error) {
	tag := ref.Tag
	if track != "" {
		tags, err := c.ListTags(ctx, ref.Repository)
		if err != nil {
			return nil, err
		}
		if tag, err = LatestTag(tags, track); err != nil {
			return nil, fmt.Errorf("resolving track %q of %s: %w", track, ref.Repository, err)
		}
	}
	if tag == "" {
		// pinned by digest only, nothing to follow
		return &Version{Digest: ref.Digest}, nil
	}

	parsed, err := name.NewTag(ref.Repository+":"+tag, c.nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	desc, err := remote.Head(parsed, c.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("querying registry for %s: %w", parsed, err)
	}

	d, err := digest.Parse(desc.Digest.String())
	if err != nil {
		return nil, fmt.Errorf("registry returned an invalid digest for %s: %w", parsed, err)
	}
	return &Version{Tag: tag, Digest: d}, nil
}

// ListTags lists every tag of the repository.
func (c *Client) ListTags(ctx context.Context, repository string) ([]string, error) {
	repo, err := name.NewRepository(repository, c.nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid repository: %w", err)
	}

	tags, err := remote.List(repo, c.options(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("listing tags of %s: %w", repository, err)
	}
	return tags, nil
}

func (c *Client) options(ctx context.Context) []remote.Option {
	return append([]remote.Option{remote.WithContext(ctx)}, c.remoteOpts...)
}

// LatestTag returns the highest semver tag that satisfies the constraint. Non-semver tags like "latest" are skipped.
func LatestTag(tags []string, constraint string) (string, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("invalid constraint: %w", err)
	}

	var (
		latest    *semver.Version
		latestTag string
	)
	for _, tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if !c.Check(v) {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
			latestTag = tag
		}
	}

	if latestTag == "" {
		return "", fmt.Errorf("no tag satisfies %q", constraint)
	}
	return latestTag, nil
}
