package srvman

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Default mode of UNIX sockets.
const DefaultSocketMode os.FileMode = 0o600

// Socket options applied when a server starts listening.
type listenOptions struct {
	backlog   int         // 0 uses SOMAXCONN.
	reuseAddr bool        // SO_REUSEADDR, or removal of a stale UNIX socket.
	mode      os.FileMode // UNIX socket mode.
	uid, gid  int         // UNIX socket owner, -1 to leave unchanged.
}

// Opens a listening socket for a.
//
// The socket is created with x/sys/unix rather than net.Listen so that the
// backlog and SO_REUSEADDR can be set before listen(2).
func listen(a Address, o listenOptions) (net.Listener, error) {
	if a.IsUnix() {
		if err := prepareUnix(a.Addr, o.reuseAddr); err != nil {
			return nil, err
		}
	}

	domain, sa, err := sockaddr(a)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	owned := true
	defer func() {
		if owned {
			unix.Close(fd)
		}
	}()

	if !a.IsUnix() {
		if o.reuseAddr {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				return nil, os.NewSyscallError("setsockopt", err)
			}
		}
		if domain == unix.AF_INET6 {
			v6only := 0
			if a.Network == "tcp6" {
				v6only = 1
			}
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
				return nil, os.NewSyscallError("setsockopt", err)
			}
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return nil, fmt.Errorf("bind %s: %w", a, err)
	}
	backlog := o.backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listen %s: %w", a, err)
	}

	owned = false
	f := os.NewFile(uintptr(fd), a.String())
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		if a.IsUnix() {
			os.Remove(a.Addr)
		}
		return nil, fmt.Errorf("listen %s: %w", a, err)
	}

	if a.IsUnix() {
		if err := setSocketPermissions(a.Addr, o); err != nil {
			ln.Close()
			os.Remove(a.Addr)
			return nil, err
		}
	}
	return ln, nil
}

// Removes a stale socket file when reuse is set.
func prepareUnix(path string, reuse bool) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotSocket, path)
	}
	if !reuse {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	return os.Remove(path)
}

// Applies the socket mode and, when running as root, the owner.
func setSocketPermissions(path string, o listenOptions) error {
	mode := o.mode
	if mode == 0 {
		mode = DefaultSocketMode
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod socket %s: %w", path, err)
	}
	if (o.uid >= 0 || o.gid >= 0) && os.Geteuid() == 0 {
		if err := os.Chown(path, o.uid, o.gid); err != nil {
			return fmt.Errorf("chown socket %s: %w", path, err)
		}
	}
	return nil
}

// Returns the socket domain and address for a.
func sockaddr(a Address) (int, unix.Sockaddr, error) {
	if a.IsUnix() {
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: a.Addr}, nil
	}

	ta, err := net.ResolveTCPAddr(a.Network, a.Addr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %v", ErrBadURL, a, err)
	}

	if ip4 := ta.IP.To4(); ip4 != nil || (ta.IP == nil && a.Network == "tcp4") {
		sa := &unix.SockaddrInet4{Port: ta.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: ta.Port}
	copy(sa.Addr[:], ta.IP.To16())
	return unix.AF_INET6, sa, nil
}
