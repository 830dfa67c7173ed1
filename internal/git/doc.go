// Package git exposes repositories over git's Smart HTTP transport.
//
// The Resolver maps repository names to bare repositories under a trusted
// root. The Advertiser answers the info/refs discovery request and the Proxy
// streams stateless-rpc exchanges between an HTTP client and a Backend, which
// runs the actual git engine. ExecBackend runs the local git binary; other
// packages may supply their own.
//
// Gateway wires these to the Smart HTTP routes, together with repository
// creation through the Registry and a health check, and Server runs the result
// on a TCP listener. Completed accesses are reported to an AuditSink through
// the non-blocking Auditor.
package git
