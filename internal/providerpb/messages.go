// Package providerpb defines the wire messages exchanged with the sandbox
// provider's gRPC fleet-manager service. Messages are plain JSON-tagged
// structs carried over grpcjson's codec rather than compiler-generated
// protobuf types, since this system has no .proto compilation step of its
// own — the provider substrate's real service definition lives with the
// provider, out of scope for this repository (see SPEC_FULL.md §1).
package providerpb

// CreateRequest asks the provider to create a new sandbox.
type CreateRequest struct {
	SandboxID      string            `json:"sandbox_id"`
	Kind           string            `json:"kind"` // "session" or "build"
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ImageID        string            `json:"image_id,omitempty"`
}

// CreateReply carries the provider's handle for a newly created sandbox.
type CreateReply struct {
	ProviderHandle string `json:"provider_handle"`
	CreatedAtUnix  int64  `json:"created_at_unix"`
}

// ExecRequest runs an ad-hoc command inside a sandbox.
type ExecRequest struct {
	ProviderHandle string   `json:"provider_handle"`
	Args           []string `json:"args"`
}

// ExecReply carries the result of an Exec call.
type ExecReply struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int32  `json:"exit_code"`
}

// WaitRequest waits for a sandbox's main process to exit.
type WaitRequest struct {
	ProviderHandle string `json:"provider_handle"`
}

// WaitReply carries the exit code of a sandbox's main process.
type WaitReply struct {
	ExitCode int32 `json:"exit_code"`
}

// SnapshotRequest asks the provider to snapshot a sandbox's filesystem.
type SnapshotRequest struct {
	ProviderHandle string `json:"provider_handle"`
}

// SnapshotReply carries the resulting image id.
type SnapshotReply struct {
	ImageID string `json:"image_id"`
}

// DestroyRequest asks the provider to tear down a sandbox.
type DestroyRequest struct {
	ProviderHandle string `json:"provider_handle"`
}

// DestroyReply is an empty acknowledgement.
type DestroyReply struct{}
