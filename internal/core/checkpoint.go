package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"identitycore/internal/blob"
	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

const (
	checkpointPrefix = "checkpoints/"
	digestMetadata   = "sha256"
)

// ErrCorruptCheckpoint is returned when a checkpoint carries no digest or its
// content no longer matches the digest recorded when it was written.
var ErrCorruptCheckpoint = errors.New("checkpoint digest mismatch")

// Checkpointer is implemented by stores whose full state can be exported and replaced.
type Checkpointer interface {
	ExportState() memory.Snapshot
	ImportState(memory.Snapshot) error
}

// CheckpointKey returns the blob key used for checkpoint name.
func CheckpointKey(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid checkpoint name %q", name)
	}
	return checkpointPrefix + name + ".json", nil
}

// Checkpoint writes the committed state to store under name. Existing
// checkpoints are never overwritten.
func (s *Service) Checkpoint(ctx context.Context, store blob.Store, name string) (blob.Info, error) {
	cp, ok := s.store.(Checkpointer)
	if !ok {
		return blob.Info{}, fmt.Errorf("checkpoint: %T does not support state export", s.store)
	}
	key, err := CheckpointKey(name)
	if err != nil {
		return blob.Info{}, err
	}
	ctx, span := s.tracer.Start(ctx, "checkpoint")
	payload, err := json.Marshal(cp.ExportState())
	if err != nil {
		span.End(err)
		return blob.Info{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	sum := sha256.Sum256(payload)
	info, err := store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"checkpoint": name, digestMetadata: hex.EncodeToString(sum[:])},
	})
	span.End(err)
	if err != nil {
		return blob.Info{}, fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	s.logger.Info("checkpoint written", "key", key, "bytes", len(payload), "driver", string(store.Driver()))
	return info, nil
}

// Restore replaces the committed state with the checkpoint stored under name.
func (s *Service) Restore(ctx context.Context, store blob.Store, name string) error {
	cp, ok := s.store.(Checkpointer)
	if !ok {
		return fmt.Errorf("restore: %T does not support state import", s.store)
	}
	key, err := CheckpointKey(name)
	if err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "restore")
	info, rc, err := store.Get(ctx, key)
	if err != nil {
		span.End(err)
		return fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	payload, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		span.End(err)
		return fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	want := info.Metadata[digestMetadata]
	if want == "" {
		err := fmt.Errorf("%s: %w (no %s metadata)", key, ErrCorruptCheckpoint, digestMetadata)
		span.End(err)
		return err
	}
	sum := sha256.Sum256(payload)
	if got := hex.EncodeToString(sum[:]); got != want {
		err := fmt.Errorf("%s: %w (recorded %s, read %s)", key, ErrCorruptCheckpoint, want, got)
		span.End(err)
		return err
	}

	var snapshot memory.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		span.End(err)
		return fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	if err := verifySnapshot(ctx, snapshot); err != nil {
		span.End(err)
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	if err := cp.ImportState(snapshot); err != nil {
		span.End(err)
		return fmt.Errorf("import checkpoint %s: %w", key, err)
	}
	span.End(nil)
	s.logger.Info("checkpoint restored", "key", key)
	return nil
}

// Checkpoints lists the checkpoint names present in store.
func Checkpoints(ctx context.Context, store blob.Store) ([]string, error) {
	infos, err := store.List(ctx, checkpointPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(info.Key, checkpointPrefix), ".json")
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// snapshotView serves reads from a decoded snapshot.
type snapshotView map[domain.Bucket]map[string][]byte

func (v snapshotView) Get(bucket domain.Bucket, key []byte) ([]byte, bool) {
	val, ok := v[bucket][string(key)]
	return val, ok
}

// verifySnapshot checks every collection scope in snapshot before it can
// replace the committed state. Broken collections yield a RuleViolationError.
func verifySnapshot(ctx context.Context, snapshot memory.Snapshot) error {
	puts, err := snapshot.Mutations()
	if err != nil {
		return err
	}
	view := make(snapshotView)
	changes := make([]domain.Change, 0, len(puts))
	for _, m := range puts {
		if view[m.Bucket] == nil {
			view[m.Bucket] = make(map[string][]byte)
		}
		view[m.Bucket][string(m.Key)] = m.Value
		changes = append(changes, domain.Change{Bucket: m.Bucket, Key: m.Key, Action: domain.ActionCreate, After: m.Value})
	}
	res, err := newCollectionIntegrityRule(true).Evaluate(ctx, view, changes)
	if err != nil {
		return fmt.Errorf("verify collections: %w", err)
	}
	if res.HasBlocking() {
		return domain.RuleViolationError{Result: res}
	}
	return nil
}
