// Prometheus collectors for the daemon and the HTTP service exposing them.
//
// All collectors live in a private registry owned by [Metrics], so several
// daemons (or tests) can coexist in one process. The exposition endpoint is
// a suture service and only runs when metrics-listen is configured.
package metrics
