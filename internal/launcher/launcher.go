// Package launcher defines the external launcher collaborator the
// autoscaler drives (spec §4.8, §1 "the SSH/MPI/srun launcher" is
// out-of-scope as a collaborator) plus one concrete SSH implementation
// so the control loop has something real to exercise end to end.
package launcher

import "context"

// Launcher starts exactly one new client process somewhere. A failing
// Launcher returns an error; the autoscaler logs it and skips that cycle
// rather than retrying immediately (spec §7 LauncherError).
type Launcher interface {
	Launch(ctx context.Context) error
}
