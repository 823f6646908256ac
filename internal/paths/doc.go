// Provides platform-appropriate paths for the daemon and its client.
//
// When running as root the system locations are used: the configuration
// file is /etc/smapd.conf and runtime files live under /run/smapd. Other
// users follow XDG conventions, with "smapd" as the subdirectory under each
// base path.
package paths
