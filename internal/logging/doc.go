// Configures logging for the daemon and its workers.
//
// All packages log through log/slog. The handler installed here forwards
// records to a zerolog logger writing to stderr (a console writer on a
// terminal, JSON otherwise) or to syslog through zerolog.SyslogLevelWriter.
//
// Besides the level, diagnostics are gated per subsystem by a [Debug] table
// mapping categories such as "smap" or "srvman" to a verbosity. Specs of the
// form "category.level" are accepted from the command line and the
// configuration file:
//
//	dbg := logging.Debug{}
//	dbg.Set("srvman.2")
//	if dbg.Level(logging.CatSrvman) >= 2 {
//		slog.Debug("armed", "server", id)
//	}
package logging
