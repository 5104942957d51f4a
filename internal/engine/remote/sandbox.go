// Package remote implements the remote-proxy execution adapter: the host
// side of a host/sandbox split where step drivers run inside a separate
// process (in production, a separate container or VM). Sandbox acquisition
// is a narrow interface so the reference os/exec-backed implementation can
// later be swapped for a real container/VM backend without the host logic
// changing.
package remote

import (
	"context"
	"io"
)

// Sandbox is the narrow control surface the remote adapter needs from
// whatever isolates a worker process: upload files into its workspace,
// start the worker program, wait for it to exit, fetch a file back out, and
// force-terminate it. A docker-backed implementation, a VM-backed
// implementation, and the os/exec reference implementation here all satisfy
// the same five verbs.
type Sandbox interface {
	// Upload copies localPath into the sandbox's workspace at remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Start launches the worker program, returning its stdin/stdout pipes.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Wait blocks until the worker process exits.
	Wait(ctx context.Context) error
	// FetchFile copies remotePath out of the sandbox workspace to localPath.
	FetchFile(ctx context.Context, remotePath, localPath string) error
	// Kill force-terminates the worker process.
	Kill() error
}
