// Package config reads the daemon configuration file.
//
// The file is a sequence of keyword statements, one per line. A "#" starts a
// comment, a backslash at the end of a line continues the statement on the
// next one, and words are split and quoted as in the shell:
//
//	# Variables are expanded in later statements.
//	DBDIR=/var/lib/smapd
//
//	log-tag smapd
//	idle-timeout 300
//
//	server local unix:///run/smapd.sock begin
//	    socket-mode 0660
//	    max-children 16
//	end
//
//	database aliases kv path=$DBDIR/aliases
//	dispatch map aliases database aliases
//
// Module, database and dispatch statements are passed to a [module.Registry]
// and a [dispatch.Chain] as they are read. Scalar settings are collected in a
// koanf instance and resolved into [Settings] by [Config.Resolve], which
// overlays the environment and command-line values and validates the result.
//
// Errors do not stop parsing: each is logged as "file:line: message" and
// counted, so one run reports every problem in the file.
package config
