package sshed

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// SocketEnvName is the environment variable clients use to discover the
// forwarded socket.
const SocketEnvName = "SSHED_SOCK"

const socketFileMode = os.FileMode(0600)

// FindSocket resolves the socket path to connect to. An explicit address
// wins; otherwise SSHED_SOCK is consulted. An address naming a directory is
// taken to contain a file named `socket`. The resolved path must be a socket
// owned by the current user with owner-only permissions, since anyone who can
// write to it can feed edits into the session.
func FindSocket(socketAddress string) (string, error) {
	if socketAddress == "" {
		socketAddress = os.Getenv(SocketEnvName)
		if socketAddress == "" {
			return "", ErrNoSocket
		}
	}
	info, err := os.Stat(socketAddress)
	if err != nil {
		return "", fmt.Errorf("%s: %w", socketAddress, ErrSocketNotFound)
	}
	if info.IsDir() {
		glog.Infof("[sock]%s points to a directory, not a file\n", socketAddress)
		socketAddress = socketAddress + "/socket"
		info, err = os.Stat(socketAddress)
		if err != nil {
			return "", fmt.Errorf("%s: %w", socketAddress, ErrSocketNotFound)
		}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return "", fmt.Errorf("%s: %w", socketAddress, ErrNotASocket)
	}
	stat := unix.Stat_t{}
	if err := unix.Stat(socketAddress, &stat); err != nil {
		return "", err
	}
	if stat.Uid != uint32(os.Getuid()) {
		return "", fmt.Errorf("%s: %w", socketAddress, ErrSocketWrongOwner)
	}
	if info.Mode().Perm() != socketFileMode {
		return "", fmt.Errorf("%s has mode %s: %w", socketAddress, info.Mode().Perm(), ErrSocketTooPermissive)
	}
	glog.V(1).Infof("[sock]socket found at %s\n", socketAddress)
	return socketAddress, nil
}

// ListenSocket creates the unix listener with owner-only permissions. An
// address naming an existing directory gets a `socket` file inside it.
func ListenSocket(socketAddress string) (net.Listener, error) {
	if info, err := os.Stat(socketAddress); err == nil && info.IsDir() {
		socketAddress = socketAddress + "/socket"
	}
	listener, err := net.Listen("unix", socketAddress)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketAddress, socketFileMode); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}

// DialSocket connects to a discovered socket.
func DialSocket(socketAddress string) (net.Conn, error) {
	resolved, err := FindSocket(socketAddress)
	if err != nil {
		return nil, err
	}
	return net.Dial("unix", resolved)
}

// EnvironmentVariable generates the shell command that exports a variable,
// so the daemon can print the SSHED_SOCK export line for its shell.
type EnvironmentVariable struct {
	Name     string
	Contents string
}

var shellFormats = map[string]string{
	"csh":  "setenv %s %s",
	"fish": "setenv %s %s",
	"bash": "export %s=%s",
}

// Generate returns the export command for the named shell. Unknown shells
// fall back by suffix: anything ending in csh is treated as csh, everything
// else as bash.
func (self *EnvironmentVariable) Generate(shell string) string {
	format, ok := shellFormats[shell]
	if !ok {
		if strings.HasSuffix(shell, "csh") {
			format = shellFormats["csh"]
		} else {
			format = shellFormats["bash"]
		}
	}
	return fmt.Sprintf(format, self.Name, self.Contents)
}

// CurrentShell names the user's shell from the SHELL environment variable,
// defaulting to bash.
func CurrentShell() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		return "bash"
	}
	if i := strings.LastIndexByte(shell, '/'); 0 <= i {
		shell = shell[i+1:]
	}
	return shell
}
