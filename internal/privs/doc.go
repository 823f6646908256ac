// Package privs resolves a user and group identity and switches the process
// to it irreversibly.
//
// The switch runs in a fixed order: supplementary groups, then the group id,
// then the user id, each verified, and finally a check that root cannot be
// regained. A failure at any step leaves the process unfit to serve and the
// caller is expected to exit.
package privs
