package pm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Probe paths for the two known MPTCP procfs surfaces (spec.md §6.1).
// Upstream exposes only "enabled"; mptcp.org exposes "mptcp_enabled"
// and the informational "mptcp_path_manager" knob. Declared as vars,
// not consts, so tests can point them at a scratch directory instead
// of the real /proc.
var (
	procUpstreamEnabled = "/proc/sys/net/mptcp/enabled"
	procOrgEnabled      = "/proc/sys/net/mptcp/mptcp_enabled"
	procOrgPathManager  = "/proc/sys/net/mptcp/mptcp_path_manager"
)

// ErrNoMPTCP is returned by Detect when neither procfs surface exists,
// meaning the running kernel has no MPTCP support compiled in or
// administratively disabled at boot.
var ErrNoMPTCP = errors.New("pm: no mptcp support detected")

// Detect probes procfs to decide which dialect is active, then dials
// the corresponding genl family. It never blocks waiting for the
// family to appear; callers that need to wait for family registration
// retry Detect themselves (the supervisor does this, spec.md §4.8).
func Detect() (Dialect, error) {
	tag, err := detectTag()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagUpstream:
		return dialUpstream()
	case TagMptcpOrg:
		return dialMptcpOrg()
	default:
		return nil, ErrNoMPTCP
	}
}

func detectTag() (Tag, error) {
	if enabled, err := readBoolSysctl(procUpstreamEnabled); err == nil {
		if enabled {
			return TagUpstream, nil
		}
		return TagNone, fmt.Errorf("upstream mptcp present but disabled: %w", ErrNoMPTCP)
	}

	if enabled, err := readBoolSysctl(procOrgEnabled); err == nil {
		if !enabled {
			return TagNone, fmt.Errorf("mptcp.org present but disabled: %w", ErrNoMPTCP)
		}
		return TagMptcpOrg, nil
	}

	return TagNone, ErrNoMPTCP
}

func readBoolSysctl(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	v := strings.TrimSpace(string(data))
	return v == "1", nil
}

// PathManagerMode reads mptcp_path_manager verbatim (spec.md §6.1: the
// mptcp.org dialect expects it set to "netlink" so the in-kernel
// heuristics stay out of this daemon's way). Returns ("", nil) when the
// sysctl does not exist on this kernel. internal/pathmgr calls this
// once TagMptcpOrg resolves and logs a warning when the value names
// some other path manager; detect.go itself stays side-effect free
// besides the sysctl reads it needs to pick a tag.
func PathManagerMode() (string, error) {
	data, err := os.ReadFile(procOrgPathManager)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("pm: read %s: %w", procOrgPathManager, err)
	}
	return strings.TrimSpace(string(data)), nil
}
