package procmanager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// containerRuntime lazily starts and reuses one long-lived container per
// Manager, running commands inside it via exec instead of spawning bare
// host processes. Liveness is checked by inspecting the container before
// each exec; a stopped container is restarted, a missing one recreated.
type containerRuntime struct {
	cli         *client.Client
	image       string
	name        string
	exposedPort string // container port to publish on a random host port, e.g. "8080/tcp"; empty disables
	mu          sync.Mutex
	containerID string
	hostPort    string
}

// WithDockerImage enables the container-backed exec mode: ExecInContainer
// runs commands inside a single long-lived container of the given image
// instead of on the bare host. The container is created lazily on first use.
func WithDockerImage(image string) Option {
	return func(m *Manager) { m.dockerImage = image }
}

// WithDockerPort publishes containerPort (e.g. "8080/tcp") from the runner
// container to a random host port, for images that also expose a service
// alongside the exec target. HostPort retrieves the mapping once running.
func WithDockerPort(containerPort string) Option {
	return func(m *Manager) { m.dockerPort = containerPort }
}

func newContainerRuntime(image, exposedPort string) (*containerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("procmanager: docker client: %w", err)
	}
	return &containerRuntime{cli: cli, image: image, name: "agentcore-runner", exposedPort: exposedPort}, nil
}

func (r *containerRuntime) Close() error {
	if r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

// ensureRunning returns the id of a running container of r.image, creating
// and starting one (or restarting a stopped one) if necessary.
func (r *containerRuntime) ensureRunning(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containerID != "" {
		insp, err := r.cli.ContainerInspect(ctx, r.containerID)
		if err == nil && insp.State != nil && insp.State.Running {
			return r.containerID, nil
		}
	}

	insp, err := r.cli.ContainerInspect(ctx, r.name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return r.createAndStart(ctx)
		}
		return "", fmt.Errorf("procmanager: inspect runner container: %w", err)
	}
	if !insp.State.Running {
		if err := r.cli.ContainerStart(ctx, r.name, types.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("procmanager: start runner container: %w", err)
		}
	}
	r.containerID = insp.ID
	return r.containerID, nil
}

func (r *containerRuntime) createAndStart(ctx context.Context) (string, error) {
	cfg := &container.Config{
		Image: r.image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}
	hostCfg := &container.HostConfig{}
	if r.exposedPort != "" {
		port := nat.Port(r.exposedPort)
		cfg.ExposedPorts = nat.PortSet{port: {}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, r.name)
	if err != nil {
		return "", fmt.Errorf("procmanager: create runner container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("procmanager: start runner container: %w", err)
	}
	r.containerID = resp.ID

	if r.exposedPort != "" {
		insp, err := r.cli.ContainerInspect(ctx, resp.ID)
		if err == nil {
			if bindings := insp.NetworkSettings.Ports[nat.Port(r.exposedPort)]; len(bindings) > 0 {
				r.hostPort = bindings[0].HostPort
			}
		}
	}
	return resp.ID, nil
}

// ExecInContainer runs command inside the Manager's configured container
// image, tracked through the same ring-buffered-log/Poll/Subscribe registry
// as a bare-host Exec. Returns ErrEmptyCommand if command is empty, and
// fails if WithDockerImage was never set.
func (m *Manager) ExecInContainer(ctx context.Context, command []string, cwd string, env map[string]string) (string, error) {
	if len(command) == 0 {
		return "", ErrEmptyCommand
	}
	if m.dockerImage == "" {
		return "", fmt.Errorf("procmanager: ExecInContainer: no docker image configured (WithDockerImage)")
	}

	m.mu.Lock()
	if m.docker == nil {
		rt, err := newContainerRuntime(m.dockerImage, m.dockerPort)
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		m.docker = rt
	}
	docker := m.docker
	id := m.nextID()
	m.mu.Unlock()

	containerID, err := docker.ensureRunning(ctx)
	if err != nil {
		return "", err
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	execCfg := types.ExecConfig{
		Cmd:          command,
		WorkingDir:   cwd,
		Env:          envList,
		AttachStdout: true,
		AttachStderr: true,
	}
	execID, err := docker.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("procmanager: exec create: %w", err)
	}

	attach, err := docker.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("procmanager: exec attach: %w", err)
	}

	p := &process{
		record: Record{
			ID:         id,
			Command:    append([]string(nil), command...),
			Cwd:        cwd,
			Env:        env,
			Status:     StatusRunning,
			InsertedAt: time.Now().UTC(),
		},
		logs: newRingBuffer(m.tailLines),
		done: make(chan struct{}),
		subs: make(map[chan string]struct{}),
	}

	m.mu.Lock()
	m.procs[id] = p
	m.mu.Unlock()
	m.save(p.record.clone())

	go m.waitForContainerExec(p, docker.cli, execID.ID, attach)

	return id, nil
}

// waitForContainerExec demuxes the combined exec stream (docker multiplexes
// stdout/stderr over one connection) line-by-line into the process's ring
// buffer, then calls ContainerExecInspect once for the exit code after the
// stream closes.
func (m *Manager) waitForContainerExec(p *process, cli *client.Client, execID string, attach types.HijackedResponse) {
	defer attach.Close()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(outW, errW, attach.Reader)
		outW.Close()
		errW.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.captureContainerOutput(p, outR) }()
	go func() { defer wg.Done(); m.captureContainerOutput(p, errR) }()
	wg.Wait()

	insp, err := cli.ContainerExecInspect(context.Background(), execID)
	p.mu.Lock()
	p.record.CompletedAt = time.Now().UTC()
	switch {
	case p.record.Cancelled:
		p.record.Status = StatusKilled
	case err != nil:
		code := -1
		p.record.ExitCode = &code
		p.record.Status = StatusError
	case insp.ExitCode == 0:
		code := 0
		p.record.ExitCode = &code
		p.record.Status = StatusCompleted
	default:
		code := insp.ExitCode
		p.record.ExitCode = &code
		p.record.Status = StatusError
	}
	rec := p.record.clone()
	p.mu.Unlock()
	m.save(rec)
	close(p.done)
}

// ContainerHostPort returns the host port the runner container's configured
// WithDockerPort was published to, or "" if no port mapping was configured
// or the container hasn't started yet.
func (m *Manager) ContainerHostPort() string {
	m.mu.Lock()
	docker := m.docker
	m.mu.Unlock()
	if docker == nil {
		return ""
	}
	docker.mu.Lock()
	defer docker.mu.Unlock()
	return docker.hostPort
}

func (m *Manager) captureContainerOutput(p *process, r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			clean := Sanitize(line)
			p.logs.Add(clean)
			p.publish(clean)
		}
		if err != nil {
			return
		}
	}
}
