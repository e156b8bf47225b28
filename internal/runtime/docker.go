package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/go-errors/errors"
)

// Docker is the Runtime implementation backed by the Docker Engine API,
// grounded on the teacher's internal/utils/docker.go client-construction
// and stdcopy-demuxing idiom.
type Docker struct {
	cli *client.Client
}

// NewDocker constructs a Docker runtime from the environment (DOCKER_HOST,
// TLS variables, or the platform default socket).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Errorf("create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

var _ Runtime = (*Docker)(nil)

// Doctor reports whether the Docker daemon answers a ping.
func (d *Docker) Doctor(ctx context.Context) DoctorReport {
	if _, err := d.cli.Ping(ctx); err != nil {
		return DoctorReport{Available: false, Detail: err.Error()}
	}
	return DoctorReport{Available: true, Detail: "docker daemon reachable"}
}

// ReserveBranch computes the deterministic container name for a
// (project, branch) pair. It is pure: it never talks to Docker.
func (d *Docker) ReserveBranch(project, branch string) string {
	name := fmt.Sprintf("pgbranch-%s-%s", sanitize(project), sanitize(branch))
	const maxLen = 128
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return strings.TrimRight(name, "-")
}

func sanitize(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// EnsureImage pulls image if it is not already present locally.
func (d *Docker) EnsureImage(ctx context.Context, img string) error {
	images, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return errors.Errorf("list images: %w", err)
	}
	for _, im := range images {
		for _, tag := range im.RepoTags {
			if tag == img {
				return nil
			}
		}
	}
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return errors.Errorf("pull image %s: %w", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Errorf("drain pull stream for %s: %w", img, err)
	}
	return nil
}

// ContainerStatus inspects name and maps its Docker state to the coarse
// ContainerStatus enum, returning StatusNotFound on a 404.
func (d *Docker) ContainerStatus(ctx context.Context, name string) (ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusNotFound, nil
		}
		return StatusOther, errors.Errorf("inspect %s: %w", name, err)
	}
	if info.State == nil {
		return StatusOther, nil
	}
	switch {
	case info.State.Paused:
		return StatusPaused, nil
	case info.State.Running:
		return StatusRunning, nil
	case info.State.Status == "exited":
		return StatusExited, nil
	default:
		return StatusOther, nil
	}
}

// StartBranch brings up the named container, creating it on first use and
// otherwise resuming whatever state it is already in.
func (d *Docker) StartBranch(ctx context.Context, spec StartSpec) error {
	status, err := d.ContainerStatus(ctx, spec.ContainerName)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		return nil
	case StatusPaused:
		return d.UnpauseBranch(ctx, spec.ContainerName)
	case StatusExited, StatusOther:
		return d.cli.ContainerStart(ctx, spec.ContainerName, container.StartOptions{})
	case StatusNotFound:
		return d.createAndStart(ctx, spec)
	default:
		return nil
	}
}

func (d *Docker) createAndStart(ctx context.Context, spec StartSpec) error {
	var exposed nat.PortSet
	var bindings nat.PortMap
	if spec.Port != 0 {
		portStr := strconv.Itoa(spec.Port)
		var err error
		exposed, bindings, err = nat.ParsePortSpecs([]string{portStr + ":5432"})
		if err != nil {
			return errors.Errorf("parse port spec: %w", err)
		}
	}

	var user string
	if spec.HostUID != nil && spec.HostGID != nil {
		user = fmt.Sprintf("%d:%d", *spec.HostUID, *spec.HostGID)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env: []string{
			"POSTGRES_USER=" + spec.User,
			"POSTGRES_PASSWORD=" + spec.Password,
			"POSTGRES_DB=" + spec.Database,
		},
		ExposedPorts: exposed,
		Labels:       map[string]string{ManagedLabel: "true"},
		User:         user,
	}
	var binds []string
	if spec.DataDir != "" {
		binds = []string{spec.DataDir + ":" + PGDataContainerPath}
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
		ExtraHosts:   spec.ExtraHosts,
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.ContainerName)
	if err != nil {
		return errors.Errorf("create container %s: %w", spec.ContainerName, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return errors.Errorf("start container %s: %w", spec.ContainerName, err)
	}
	return nil
}

// StopBranch stops the named container, unpausing first if necessary so
// Docker's stop signal reaches a live process. A no-op if the container
// does not exist or is already stopped.
func (d *Docker) StopBranch(ctx context.Context, name string, timeout time.Duration) error {
	status, err := d.ContainerStatus(ctx, name)
	if err != nil {
		return err
	}
	switch status {
	case StatusNotFound, StatusExited, StatusOther:
		return nil
	case StatusPaused:
		if err := d.UnpauseBranch(ctx, name); err != nil {
			return err
		}
	}
	secs := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs})
}

// PauseBranch pauses a running container; a no-op otherwise.
func (d *Docker) PauseBranch(ctx context.Context, name string) error {
	status, err := d.ContainerStatus(ctx, name)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return nil
	}
	return d.cli.ContainerPause(ctx, name)
}

// UnpauseBranch unpauses a paused container; a no-op otherwise.
func (d *Docker) UnpauseBranch(ctx context.Context, name string) error {
	status, err := d.ContainerStatus(ctx, name)
	if err != nil {
		return err
	}
	if status != StatusPaused {
		return nil
	}
	return d.cli.ContainerUnpause(ctx, name)
}

// RemoveBranch force-removes the named container; a no-op if absent.
func (d *Docker) RemoveBranch(ctx context.Context, name string) error {
	status, err := d.ContainerStatus(ctx, name)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}
	return d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
}

// WaitExited blocks until the named container stops running and returns
// its exit code, used by one-shot containers started with a Cmd (e.g. a
// pg_dump run) instead of a long-lived postgres server.
func (d *Docker) WaitExited(ctx context.Context, name string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.cli.ContainerWait(waitCtx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, errors.Errorf("wait for container %s: %w", name, err)
		}
		return 0, errors.Errorf("wait for container %s: closed without status", name)
	case status := <-statusCh:
		if status.Error != nil {
			return 0, errors.Errorf("wait for container %s: %s", name, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// WaitReady polls the container every 500ms until it reports Running and
// answers pg_isready, or timeout elapses.
func (d *Docker) WaitReady(ctx context.Context, name, user, db string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := d.ContainerStatus(ctx, name)
		if err != nil {
			return err
		}
		if status == StatusNotFound {
			return errors.Errorf("container %s disappeared while waiting for readiness", name)
		}
		if status == StatusRunning {
			res, err := d.Exec(ctx, name, []string{"pg_isready", "-U", user, "-d", db})
			if err == nil && res.ExitCode == 0 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for %s to become ready", name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Exec runs cmd inside name, draining stdout/stderr fully before
// inspecting the exit code — exec results are not reliable until the
// stream is drained first.
func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, errors.Errorf("exec create in %s: %w", name, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, errors.Errorf("exec attach in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, errors.Errorf("drain exec stream in %s: %w", name, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, errors.Errorf("exec inspect in %s: %w", name, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// UploadFile writes a single file into destDir inside name via the tar
// upload protocol.
func (d *Docker) UploadFile(ctx context.Context, name, destDir, filename string, content []byte) error {
	buf, err := tarSingleFile(filename, content)
	if err != nil {
		return err
	}
	return d.cli.CopyToContainer(ctx, name, destDir, buf, container.CopyToContainerOptions{})
}

func tarSingleFile(filename string, content []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filename,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, errors.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, errors.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Errorf("close tar writer: %w", err)
	}
	return &buf, nil
}

// DownloadPath reads the first regular file at path inside name via the
// tar download protocol.
func (d *Docker) DownloadPath(ctx context.Context, name, path string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, name, path)
	if err != nil {
		return nil, errors.Errorf("copy from container %s: %w", name, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.Errorf("no regular file found at %s in %s", path, name)
		}
		if err != nil {
			return nil, errors.Errorf("read tar stream from %s: %w", name, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(tr)
	}
}

// PickAvailablePort scans up to 1000 candidates starting at start,
// skipping ports Docker already publishes and verifying the candidate is
// actually bindable on loopback before returning it.
func (d *Docker) PickAvailablePort(ctx context.Context, start int) (int, error) {
	published, err := d.publishedPorts(ctx)
	if err != nil {
		return 0, err
	}

	const maxAttempts = 1000
	port := start
	for i := 0; i < maxAttempts; i++ {
		if !published[port] && bindable(port) {
			return port, nil
		}
		if port >= 65535 {
			break
		}
		port++
	}
	return 0, errors.Errorf("no available port found in range starting at %d after %d attempts", start, maxAttempts)
}

func (d *Docker) publishedPorts(ctx context.Context) (map[int]bool, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: false})
	if err != nil {
		return nil, errors.Errorf("list containers: %w", err)
	}
	ports := make(map[int]bool)
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[int(p.PublicPort)] = true
			}
		}
	}
	return ports, nil
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
