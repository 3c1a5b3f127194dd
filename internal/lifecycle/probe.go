package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jveski/warden/internal/runtime"
)

// DefaultProber considers an instance live when its container is running and, if the workload exposes a metrics
// endpoint, that endpoint answers with a 2xx.
type DefaultProber struct {
	runtime runtime.Runtime
	client  *http.Client
	timeout time.Duration
}

func NewDefaultProber(rt runtime.Runtime, client *http.Client) *DefaultProber {
	return &DefaultProber{runtime: rt, client: client, timeout: time.Second * 2}
}

func (p *DefaultProber) Probe(ctx context.Context, inst *Instance) error {
	state, err := p.runtime.Inspect(ctx, inst.State().ContainerID)
	if err != nil {
		return err
	}
	if !state.Running {
		return fmt.Errorf("container is not running")
	}

	target, ok := inst.Spec.MetricsTarget()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
