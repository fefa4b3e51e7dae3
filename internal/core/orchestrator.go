package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/greenroomhq/greenroom/internal/provision"
)

// Orchestrator drives create and destroy operations end to end: status
// transitions, collaborator calls, log relay and the final result. Every
// outcome of a flow ends in a recorded result or a logged terminal state;
// collaborator errors never escape.
type Orchestrator struct {
	manager   *Manager
	store     Store
	prov      provision.Provisioner
	issuer    provision.CredentialIssuer
	extractor provision.ArtifactExtractor
	logger    *slog.Logger
}

// NewOrchestrator constructs an orchestrator. issuer and extractor are
// optional; without an issuer rooms get no credential, without an extractor
// destroy skips artifact extraction.
func NewOrchestrator(manager *Manager, store Store, prov provision.Provisioner, issuer provision.CredentialIssuer, extractor provision.ArtifactExtractor, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		manager:   manager,
		store:     store,
		prov:      prov,
		issuer:    issuer,
		extractor: extractor,
		logger:    logger,
	}
}

// Execute runs the operation to completion on the calling goroutine.
func (o *Orchestrator) Execute(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case KindCreate:
		return o.executeCreate(ctx, op)
	case KindDestroy:
		return o.executeDestroy(ctx, op)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (o *Orchestrator) executeCreate(ctx context.Context, op *Operation) error {
	op, err := o.manager.Transition(ctx, op.ID, StatusRunning)
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			// Cancelled before execution started; nothing to do.
			return nil
		}
		return fmt.Errorf("mark create running: %w", err)
	}
	o.log(ctx, op.ID, fmt.Sprintf("provisioning room %s (%s)", op.RoomID, op.WorkloadKind))

	if live, err := o.otherLiveCreate(ctx, op); err != nil {
		o.log(ctx, op.ID, "checking in-flight creates failed: "+err.Error())
		o.recordFailure(ctx, op, "checking in-flight creates: "+err.Error())
		return nil
	} else if live {
		o.log(ctx, op.ID, "another create for this room is already in flight")
		o.recordFailure(ctx, op, "another create operation is in flight for this room")
		return nil
	}

	spec := provision.Spec{
		RoomID:       op.RoomID,
		RoomName:     op.RoomName,
		WorkloadKind: op.WorkloadKind,
	}
	if o.issuer != nil {
		o.log(ctx, op.ID, "issuing access credential")
		cred, err := o.issuer.Issue(ctx, op.RoomID)
		if err != nil {
			// Hard failure: a room without its credential is unusable, so
			// provisioning never starts.
			o.log(ctx, op.ID, "credential issue failed: "+err.Error())
			o.recordFailure(ctx, op, "credential issue: "+err.Error())
			return nil
		}
		spec.Credential = cred
		o.updateRoom(ctx, op.RoomID, func(r *Room) error {
			r.CredentialRef = cred.Ref
			return nil
		})
	}

	res, err := o.prov.Provision(ctx, spec, func(line string) {
		o.log(ctx, op.ID, line)
	})
	if err != nil {
		o.log(ctx, op.ID, "provision failed: "+err.Error())
		o.recordFailure(ctx, op, err.Error())
		o.updateRoom(ctx, op.RoomID, func(r *Room) error {
			r.Status = RoomFailed
			return nil
		})
		return nil
	}
	ready := res.Healthy
	if !ready {
		o.log(ctx, op.ID, "workload is reachable but never reported healthy; treating as created")
	}
	result := Result{Success: true, AccessURL: res.AccessURL, ProviderReady: &ready}
	if _, err := o.manager.RecordResult(ctx, op.ID, result); err != nil {
		if errors.Is(err, ErrTerminal) {
			// Cancelled while provisioning ran; the cancelled state wins
			// and the environment stays for an explicit destroy.
			o.logger.Info("create finished after cancellation", "operation_id", op.ID, "room_id", op.RoomID)
			return nil
		}
		return fmt.Errorf("record create result: %w", err)
	}
	o.updateRoom(ctx, op.RoomID, func(r *Room) error {
		r.Status = RoomActive
		r.AccessURL = res.AccessURL
		r.ExpiresAt = op.AutoExpireAt
		return nil
	})
	return nil
}

func (o *Orchestrator) executeDestroy(ctx context.Context, op *Operation) error {
	op, err := o.manager.Transition(ctx, op.ID, StatusRunning)
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return fmt.Errorf("mark destroy running: %w", err)
	}
	o.log(ctx, op.ID, "destroying room "+op.RoomID)

	room, err := o.store.GetRoom(ctx, op.RoomID)
	if err != nil {
		// Teardown proceeds without the room record; the provisioner only
		// needs the room id.
		o.log(ctx, op.ID, "room record unavailable: "+err.Error())
		room = nil
	}

	archiveLocation := ""
	if op.SaveArtifacts {
		if o.extractor == nil {
			o.log(ctx, op.ID, "artifact saving requested but no extractor is configured")
		} else {
			o.log(ctx, op.ID, "extracting artifacts before teardown")
			accessURL := ""
			if room != nil {
				accessURL = room.AccessURL
			}
			location, err := o.extractor.Extract(ctx, op.RoomID, accessURL)
			if err != nil {
				o.log(ctx, op.ID, "artifact extraction failed: "+err.Error())
				o.logger.Warn("artifact extraction failed", "operation_id", op.ID, "room_id", op.RoomID, "err", err)
			} else {
				archiveLocation = location
				o.log(ctx, op.ID, "artifacts saved to "+location)
			}
		}
	}

	if o.issuer != nil && room != nil && room.CredentialRef != "" {
		if err := o.issuer.Revoke(ctx, op.RoomID); err != nil {
			o.log(ctx, op.ID, "credential revoke failed: "+err.Error())
			o.logger.Warn("credential revoke failed", "operation_id", op.ID, "room_id", op.RoomID, "err", err)
		} else {
			o.log(ctx, op.ID, "credential revoked")
		}
	}

	if err := o.prov.Destroy(ctx, op.RoomID, func(line string) {
		o.log(ctx, op.ID, line)
	}); err != nil {
		o.log(ctx, op.ID, "destroy failed: "+err.Error())
		o.recordFailure(ctx, op, err.Error())
		return nil
	}
	result := Result{Success: true, ArchiveLocation: archiveLocation}
	if _, err := o.manager.RecordResult(ctx, op.ID, result); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return fmt.Errorf("record destroy result: %w", err)
	}
	if room != nil {
		o.updateRoom(ctx, op.RoomID, func(r *Room) error {
			r.Status = RoomDestroyed
			r.AccessURL = ""
			r.ExpiresAt = nil
			if archiveLocation != "" {
				r.ArchiveLocation = archiveLocation
			}
			return nil
		})
	}
	return nil
}

// otherLiveCreate reports whether a different create operation for the same
// room is still non-terminal.
func (o *Orchestrator) otherLiveCreate(ctx context.Context, op *Operation) (bool, error) {
	kind := KindCreate
	ops, err := o.store.ListOperations(ctx, OperationFilter{RoomID: op.RoomID, Kind: &kind})
	if err != nil {
		return false, err
	}
	for _, other := range ops {
		if other.ID != op.ID && !other.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, op *Operation, msg string) {
	if _, err := o.manager.RecordResult(ctx, op.ID, Result{Success: false, Error: msg}); err != nil && !errors.Is(err, ErrTerminal) {
		o.logger.Error("record failure result", "operation_id", op.ID, "err", err)
	}
}

func (o *Orchestrator) log(ctx context.Context, opID, line string) {
	if err := o.manager.AppendLog(ctx, opID, line); err != nil {
		o.logger.Warn("append operation log", "operation_id", opID, "err", err)
	}
}

func (o *Orchestrator) updateRoom(ctx context.Context, roomID string, mutate func(*Room) error) {
	if _, err := o.store.UpdateRoom(ctx, roomID, mutate); err != nil {
		o.logger.Error("update room", "room_id", roomID, "err", err)
	}
}
