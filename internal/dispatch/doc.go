// Package dispatch routes queries to databases through an ordered chain of
// conditional rules.
//
// Rules come from "dispatch" configuration statements:
//
//	dispatch from 10.0.0.0/8 map eq aliases database local-aliases
//	dispatch key regexp '/^[^@]+$/' transform key add-domain
//	dispatch not server public map like 'virt*' database virtual
//	dispatch default database fallback
//
// A query is matched against the rules in declaration order and the first
// rule whose conditions all hold wins. A query rule ends the dispatch: its
// database answers and the reply is written out. A transform rule rewrites
// the map or key through its database and scanning resumes at the next rule,
// so several transforms can precede the final query. When nothing matches
// the reply is "NOTFOUND".
//
// Rules are parsed with [Chain.Parse], bound to registry databases with
// [Chain.Link] once every declaration has been read, and are read-only
// afterwards.
package dispatch
