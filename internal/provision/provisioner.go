// Package provision defines the collaborator contracts the orchestrator
// drives and the backends that implement them.
package provision

import "context"

// Spec describes the environment to provision for a room.
type Spec struct {
	RoomID       string
	RoomName     string
	WorkloadKind string
	Credential   *Credential
}

// Result reports the outcome of a provision call. ResourcesCreated means the
// infrastructure exists even when the workload never turned healthy in time.
type Result struct {
	AccessURL        string
	ResourcesCreated bool
	Healthy          bool
}

// Provisioner creates and destroys room environments. Implementations stream
// progress through onProgress one line at a time. Destroy must be safe to
// call when resources are partially created or already gone.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec, onProgress func(line string)) (*Result, error)
	Destroy(ctx context.Context, roomID string, onProgress func(line string)) error
}

// Credential is an access credential scoped to one room.
type Credential struct {
	Ref    string
	Secret string
}

// CredentialIssuer issues and revokes room-scoped credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, roomID string) (*Credential, error)
	Revoke(ctx context.Context, roomID string) error
}

// ArtifactExtractor saves a room's working data before teardown and returns
// where it was stored.
type ArtifactExtractor interface {
	Extract(ctx context.Context, roomID, accessURL string) (string, error)
}

func progressFunc(onProgress func(string)) func(string) {
	if onProgress == nil {
		return func(string) {}
	}
	return onProgress
}
