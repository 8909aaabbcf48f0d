package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/mpi-allocator/internal/models"
	"github.com/narvanalabs/mpi-allocator/internal/store"
)

var _ store.AllocationStore = (*PostgresStore)(nil)

func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore connects to TEST_DATABASE_URL and recreates the schema.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("failed to ping database: %v", err)
	}

	_, _ = db.Exec("DROP TABLE IF EXISTS allocations CASCADE")

	s := NewFromDB(db, nil)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM allocations")
		db.Close()
	})
	return s
}

func genHosts() gopter.Gen {
	return gen.SliceOf(gen.Identifier())
}

func TestRecordRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("recorded allocation reads back unchanged", prop.ForAll(
		func(name string, hosts []string) bool {
			ctx := context.Background()
			alloc := &models.Allocation{
				ID:           uuid.New().String(),
				Name:         name,
				Allocator:    "pbs",
				Hosts:        hosts,
				AccountingID: "acct",
				Owner:        "alice",
				CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
			}
			if err := s.Record(ctx, alloc); err != nil {
				return false
			}

			got, err := s.Get(ctx, alloc.ID)
			if err != nil {
				return false
			}
			if got.Name != name || len(got.Hosts) != len(hosts) || !got.Active() {
				return false
			}
			for i := range hosts {
				if got.Hosts[i] != hosts[i] {
					return false
				}
			}
			return got.CreatedAt.Equal(alloc.CreatedAt)
		},
		gen.Identifier(),
		genHosts(),
	))

	properties.TestingRun(t)
}

func TestMarkReleasedKeepsFirstTime(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alloc := &models.Allocation{
		ID:        uuid.New().String(),
		Name:      "srv",
		Allocator: "pbs",
		Hosts:     []string{"n1"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Record(ctx, alloc); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	first := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.MarkReleased(ctx, alloc.ID, first); err != nil {
		t.Fatalf("MarkReleased() error = %v", err)
	}
	if err := s.MarkReleased(ctx, alloc.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkReleased() error = %v", err)
	}

	got, err := s.Get(ctx, alloc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(first) {
		t.Errorf("ReleasedAt = %v, want %v", got.ReleasedAt, first)
	}

	active, err := s.ListActive(ctx, "pbs")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() = %d allocations, want 0", len(active))
	}

	missing := uuid.New().String()
	if err := s.MarkReleased(ctx, missing, first); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("MarkReleased(missing) error = %v", err)
	}
	if _, err := s.Get(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := uuid.New().String()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.AllocationStore) error {
		if err := tx.Record(ctx, &models.Allocation{ID: id, Name: "srv", Allocator: "pbs"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rolled back allocation is visible: %v", err)
	}
}
