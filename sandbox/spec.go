package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// Labels set on every managed container.
const (
	LabelManaged = "com.claude-studio.managed"
	LabelSession = "com.claude-studio.session-id"
	LabelProject = "com.claude-studio.project"
)

// Fixed parts of the hardened container specification.
const (
	containerUser    = "1000:1000"
	containerWorkDir = "/workspace"
	networkBridge    = "bridge"
)

var (
	capDrop     = []string{"ALL"}
	capAdd      = []string{"CHOWN", "DAC_OVERRIDE"}
	securityOpt = []string{"no-new-privileges"}
)

// buildSpec returns the hardened container and host configuration for a
// session. Everything security-relevant is fixed here; only resources and the
// read-only root filesystem can be overridden per session.
func buildSpec(cfg Config, sessionID string, sc SessionConfig) (*container.Config, *container.HostConfig) {
	memory := cfg.Memory
	if sc.Memory > 0 {
		memory = sc.Memory
	}
	cpuShares := cfg.CPUShares
	if sc.CPUShares > 0 {
		cpuShares = sc.CPUShares
	}
	readOnly := cfg.ReadOnlyRootfs
	if sc.ReadOnlyRootfs != nil {
		readOnly = *sc.ReadOnlyRootfs
	}

	cc := &container.Config{
		Image:        cfg.Image,
		User:         containerUser,
		Cmd:          append([]string(nil), cfg.Command...),
		WorkingDir:   containerWorkDir,
		Tty:          cfg.TTY,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"TERM=xterm-256color", "HOME=" + containerWorkDir},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSession: sessionID,
			LabelProject: sc.ProjectName,
		},
	}

	hc := &container.HostConfig{
		Binds:          []string{sc.WorkspacePath + ":" + containerWorkDir},
		AutoRemove:     true,
		ReadonlyRootfs: readOnly,
		Privileged:     false,
		CapDrop:        append([]string(nil), capDrop...),
		CapAdd:         append([]string(nil), capAdd...),
		SecurityOpt:    append([]string(nil), securityOpt...),
		NetworkMode:    container.NetworkMode(networkBridge),
		Resources: container.Resources{
			Memory:    memory,
			CPUShares: cpuShares,
		},
	}

	if cfg.PreviewPort > 0 {
		port := previewPort(cfg.PreviewPort)
		cc.ExposedPorts = nat.PortSet{port: struct{}{}}
		hc.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}
	return cc, hc
}

func previewPort(p int) nat.Port {
	return nat.Port(strconv.Itoa(p) + "/tcp")
}

// hostPreviewPort returns the host port the engine bound for the preview
// port, or "" when none was published.
func hostPreviewPort(info container.InspectResponse, p int) string {
	if p <= 0 || info.NetworkSettings == nil {
		return ""
	}
	bindings := info.NetworkSettings.Ports[previewPort(p)]
	for _, b := range bindings {
		if b.HostPort != "" {
			return b.HostPort
		}
	}
	return ""
}

// validateWorkspace checks that path is absolute, already normalized, lies
// under one of roots, and (if it exists) is not reached through a symlink.
func validateWorkspace(path string, roots []string) error {
	if path == "" {
		return errors.New("workspace path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("workspace path must be absolute: %q", path)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("workspace path is not normalized: %q", path)
	}
	if strings.ContainsAny(path, ":,") {
		return fmt.Errorf("workspace path contains reserved characters: %q", path)
	}
	if !underAny(path, roots) {
		return fmt.Errorf("workspace path is outside the allowed roots: %q", path)
	}

	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat workspace: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if resolved != path {
		return fmt.Errorf("workspace path resolves elsewhere: %q", path)
	}
	return nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if root == string(filepath.Separator) || path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
