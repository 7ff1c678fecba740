package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"identitycore/internal/blob"
	"identitycore/internal/config"
	"identitycore/internal/core"
	"identitycore/internal/events"
	"identitycore/pkg/domain"
)

func seed(b byte) domain.Hash {
	var h domain.Hash
	h[0] = b
	return h
}

// TestIntegrationSmoke runs register, mint, transfer, checkpoint and restore
// against every in-process storage driver and blob adapter.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	storeVariants := []struct {
		name string
		cfg  func(t *testing.T) config.StorageConfig
	}{
		{"memory-store", func(*testing.T) config.StorageConfig { return config.StorageConfig{Driver: "memory"} }},
		{"sqlite-store", func(t *testing.T) config.StorageConfig {
			return config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "state.db")}
		}},
	}
	blobVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{"memory-blob", func(*testing.T) blob.Store { return blob.NewMemory() }},
		{"filesystem-blob", func(t *testing.T) blob.Store {
			fs, err := blob.NewFilesystem(t.TempDir())
			if err != nil {
				t.Fatalf("new filesystem blob: %v", err)
			}
			return fs
		}},
		{"mock-s3-blob", func(*testing.T) blob.Store { return blob.NewMockS3ForTests() }},
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				store, err := core.OpenPersistentStore(sv.cfg(t), nil)
				if err != nil {
					t.Fatalf("open store: %v", err)
				}
				metrics := core.NewExpvarMetricsRecorder("")
				var traces bytes.Buffer
				tracer := core.NewJSONTracer(&traces)
				log := events.NewLog()
				broker := events.NewBroker[domain.Event]()
				defer broker.Close()
				sub := broker.Subscribe(ctx)

				svc := core.NewService(store,
					core.WithMetricsRecorder(metrics),
					core.WithTracer(tracer),
					core.WithEventSink(events.NewFanout(log, events.NewBrokerSink(broker))),
				)

				alice := domain.Origin{Caller: "alice", Seed: seed(1)}
				identity, res, err := svc.RegisterIdentity(ctx, alice)
				if err != nil || res.HasBlocking() {
					t.Fatalf("register: %v %+v", err, res)
				}
				token, _, err := svc.CreateAuthorizedToken(ctx, alice, domain.TokenParams{To: "alice", IdentityID: identity, Cost: 10})
				if err != nil {
					t.Fatalf("create token: %v", err)
				}
				if _, err := svc.TransferToken(ctx, alice, "bob", token); err != nil {
					t.Fatalf("transfer: %v", err)
				}

				if got := log.Len(); got != 3 {
					t.Fatalf("expected 3 logged events, got %d", got)
				}
				select {
				case msg := <-sub:
					if msg.Payload.Kind != domain.EventIdentityCreated {
						t.Fatalf("unexpected first broker event %+v", msg.Payload)
					}
				case <-time.After(time.Second):
					t.Fatalf("broker did not deliver")
				}

				bs := bv.open(t)
				if _, err := svc.Checkpoint(ctx, bs, "smoke"); err != nil {
					t.Fatalf("checkpoint: %v", err)
				}
				names, err := core.Checkpoints(ctx, bs)
				if err != nil || len(names) != 1 || names[0] != "smoke" {
					t.Fatalf("checkpoints: %v %v", names, err)
				}

				fresh, err := core.OpenPersistentStore(sv.cfg(t), nil)
				if err != nil {
					t.Fatalf("open fresh store: %v", err)
				}
				restored := core.NewService(fresh)
				if err := restored.Restore(ctx, bs, "smoke"); err != nil {
					t.Fatalf("restore: %v", err)
				}
				err = restored.Read(ctx, func(r core.Reader) error {
					owner, ok := r.TokenOwner(token)
					if !ok || owner != "bob" {
						t.Fatalf("expected bob to own restored token, got %q %v", owner, ok)
					}
					if n, err := r.IdentitiesCount(); err != nil || n != 1 {
						t.Fatalf("identities count %d %v", n, err)
					}
					if n, err := r.Nonce(); err != nil || n != 2 {
						t.Fatalf("nonce %d %v", n, err)
					}
					return nil
				})
				if err != nil {
					t.Fatalf("read: %v", err)
				}

				if stats := metrics.Snapshot()["transfer_token"]; stats.Committed != 1 || stats.Total() != 1 {
					t.Fatalf("expected one committed transfer, got %+v", stats)
				}
				if traces.Len() == 0 || len(tracer.Entries()) == 0 {
					t.Fatalf("expected trace spans")
				}
			})
		}
	}
}
