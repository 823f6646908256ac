package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "smapd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// System configuration file.
	systemConfig = "/etc/smapd.conf"

	// System runtime directory.
	systemRuntime = "/run/smapd"
)

// Whether system locations apply.
var system = func() bool { return os.Geteuid() == 0 }

// Default path to the configuration file.
//
//	root:    /etc/smapd.conf
//	Linux:   $XDG_CONFIG_HOME/smapd/smapd.conf
//	macOS:   ~/Library/Application Support/smapd/smapd.conf
func Config() string {
	if system() {
		return systemConfig
	}
	return filepath.Join(xdg.ConfigHome, daemonName, daemonName+".conf")
}

// Path to the directory for runtime files (sockets, PIDs).
//
//	root:    /run/smapd
//	Linux:   $XDG_RUNTIME_DIR/smapd or /run/user/<uid>/smapd
//	macOS:   ~/Library/Caches/smapd/run
func Runtime() string {
	if system() {
		return systemRuntime
	}
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the query socket, used by the client when no URL is given.
//
//	root:    /run/smapd/smapd.sock
//	Linux:   $XDG_RUNTIME_DIR/smapd/smapd.sock
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
//
//	root:    /run/smapd/smapd.pid
//	Linux:   $XDG_RUNTIME_DIR/smapd/smapd.pid
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}
