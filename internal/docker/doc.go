// Package docker runs git services inside short-lived containers.
//
// Every advertisement and every stateless-rpc exchange gets its own container
// with the repository root bind-mounted and networking disabled. The Backend
// type implements git.Backend on top of Client, which wraps the Docker Engine
// API.
package docker
