package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/models"
	"github.com/yousif447/Queue-Management-System-sub002/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateTicketAssignsSequentialNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)

	for want := 1; want <= 3; want++ {
		ticket := createTicket(t, ctx, st, businessID, uuid.NewString())
		if ticket.TicketNumber != want {
			t.Fatalf("ticket %d got number %d", want, ticket.TicketNumber)
		}
		if ticket.Status != models.StatusWaiting {
			t.Fatalf("unexpected status %q", ticket.Status)
		}
	}
}

func TestConcurrentBookingDistinctNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)

	const workers = 10
	var wg sync.WaitGroup
	numbers := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID:  uuid.NewString(),
				BusinessID: businessID,
				UserID:     uuid.NewString(),
			})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				return
			}
			if !created {
				t.Error("expected a fresh ticket")
				return
			}
			numbers <- ticket.TicketNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("duplicate ticket number %d", number)
		}
		seen[number] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d tickets, got %d", workers, len(seen))
	}
}

// Two simultaneous bookings against a single remaining slot: exactly one
// may win. The loser waits on the queue row lock and must count the
// winner's committed ticket when it re-checks capacity.
func TestConcurrentBookingRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 1, 10)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
				RequestID:  uuid.NewString(),
				BusinessID: businessID,
				UserID:     uuid.NewString(),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, full int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrQueueFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || full != 1 {
		t.Fatalf("expected one admission and one rejection, got %d admitted, %d rejected", succeeded, full)
	}

	snapshot, err := st.GetBusinessQueue(ctx, businessID, time.Now().UTC())
	if err != nil {
		t.Fatalf("queue snapshot: %v", err)
	}
	if snapshot.TotalWaiting != 1 || !snapshot.FullyBooked {
		t.Fatalf("queue over capacity: %+v", snapshot)
	}
}

func TestCreateTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	requestID := uuid.NewString()
	userID := uuid.NewString()

	first, created, err := st.CreateTicket(ctx, store.CreateTicketInput{RequestID: requestID, BusinessID: businessID, UserID: userID})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := st.CreateTicket(ctx, store.CreateTicketInput{RequestID: requestID, BusinessID: businessID, UserID: userID})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("replay must not create a new ticket")
	}
	if second.TicketID != first.TicketID || second.TicketNumber != first.TicketNumber {
		t.Fatalf("replay returned a different ticket: %+v vs %+v", second, first)
	}
}

func TestQueueCapacity(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 1, 10)

	createTicket(t, ctx, st, businessID, uuid.NewString())
	_, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:  uuid.NewString(),
		BusinessID: businessID,
		UserID:     uuid.NewString(),
	})
	if !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPausedQueueRejectsBooking(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)

	first := createTicket(t, ctx, st, businessID, uuid.NewString())
	if _, err := st.PauseQueue(ctx, store.QueueActionInput{QueueID: first.QueueID, Actor: actor}); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:  uuid.NewString(),
		BusinessID: businessID,
		UserID:     uuid.NewString(),
	})
	if !errors.Is(err, store.ErrQueuePaused) {
		t.Fatalf("expected ErrQueuePaused, got %v", err)
	}

	if _, err := st.ResumeQueue(ctx, store.QueueActionInput{QueueID: first.QueueID, Actor: actor}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	createTicket(t, ctx, st, businessID, uuid.NewString())
}

func TestCallCompleteShiftsPositions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)

	first := createTicket(t, ctx, st, businessID, uuid.NewString())
	second := createTicket(t, ctx, st, businessID, uuid.NewString())
	if second.Position != 2 {
		t.Fatalf("second ticket position %d, want 2", second.Position)
	}

	called, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: first.QueueID, Actor: actor})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != first.TicketID || called.Status != models.StatusCalled {
		t.Fatalf("unexpected called ticket: %+v", called)
	}

	// The active slot is taken, a second call must not skip ahead.
	if _, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: first.QueueID, Actor: actor}); !errors.Is(err, store.ErrSlotOccupied) {
		t.Fatalf("expected ErrSlotOccupied, got %v", err)
	}

	if _, _, err := st.StartService(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := st.CompleteTicket(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	refreshed, _, err := st.GetTicket(ctx, second.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if refreshed.Position != 1 {
		t.Fatalf("position after completion %d, want 1", refreshed.Position)
	}
	if refreshed.EstimatedWaitMinutes != 10 {
		t.Fatalf("eta %d, want 10", refreshed.EstimatedWaitMinutes)
	}

	// Completing the head also fans the recomputed placements out.
	events, err := st.ListOutboxEvents(ctx, store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC()}, 50)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var positions struct {
		QueueID string `json:"queue_id"`
		Updates []struct {
			TicketID             string `json:"ticket_id"`
			Position             int    `json:"position"`
			PeopleBefore         int    `json:"people_before"`
			EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
		} `json:"updates"`
	}
	found := false
	for _, event := range events {
		if event.Type != "queue.positions" {
			continue
		}
		found = true
		if err := json.Unmarshal(event.Payload, &positions); err != nil {
			t.Fatalf("decode positions payload: %v", err)
		}
	}
	if !found {
		t.Fatal("no queue.positions event recorded")
	}
	if len(positions.Updates) != 1 {
		t.Fatalf("expected one placement, got %d", len(positions.Updates))
	}
	update := positions.Updates[0]
	if update.TicketID != second.TicketID || update.Position != 1 || update.PeopleBefore != 0 || update.EstimatedWaitMinutes != 10 {
		t.Fatalf("unexpected placement %+v", update)
	}
}

// A racing no-show of the head waiting ticket against call-next: both take
// the queue lock first, so they serialize instead of deadlocking and each
// ends in a clean outcome.
func TestConcurrentCallAndNoShow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)

	first := createTicket(t, ctx, st, businessID, uuid.NewString())
	createTicket(t, ctx, st, businessID, uuid.NewString())

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: first.QueueID, Actor: actor})
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, _, err := st.NoShowTicket(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor})
		results <- err
	}()
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("expected both operations to serialize cleanly, got %v", err)
		}
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)
	ticket := createTicket(t, ctx, st, businessID, uuid.NewString())

	if _, _, err := st.CancelTicket(ctx, store.TicketActionInput{TicketID: ticket.TicketID, Actor: actor}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: ticket.QueueID, Actor: actor}); !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestNoShowThenReactivate(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)

	first := createTicket(t, ctx, st, businessID, uuid.NewString())
	createTicket(t, ctx, st, businessID, uuid.NewString())

	if _, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: first.QueueID, Actor: actor}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	missed, _, err := st.NoShowTicket(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor})
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if missed.Status != models.StatusMissed {
		t.Fatalf("status %q, want missed", missed.Status)
	}

	back, _, err := st.ReactivateTicket(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if back.Status != models.StatusWaiting {
		t.Fatalf("status %q, want waiting", back.Status)
	}
	if back.CalledAt != nil {
		t.Fatal("reactivated ticket must clear called_at")
	}
	// Number 1 against current number 1 clamps to the front of the line.
	if back.Position != 1 {
		t.Fatalf("position %d, want 1", back.Position)
	}

	// Missed is the only status reactivate accepts.
	if _, _, err := st.ReactivateTicket(ctx, store.TicketActionInput{TicketID: first.TicketID, Actor: actor}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	owner := uuid.NewString()

	ticket, _, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:  uuid.NewString(),
		BusinessID: businessID,
		UserID:     owner,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stranger := store.Actor{UserID: uuid.NewString(), Role: store.RoleCustomer}
	if _, _, err := st.CancelTicket(ctx, store.TicketActionInput{TicketID: ticket.TicketID, Actor: stranger}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	cancelled, _, err := st.CancelTicket(ctx, store.TicketActionInput{
		TicketID: ticket.TicketID,
		Actor:    store.Actor{UserID: owner, Role: store.RoleCustomer},
	})
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status %q, want cancelled", cancelled.Status)
	}
}

func TestOutboxRecordsTransitions(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	actor := businessActor(businessID)

	ticket := createTicket(t, ctx, st, businessID, uuid.NewString())
	if _, _, err := st.CallNext(ctx, store.CallNextInput{QueueID: ticket.QueueID, Actor: actor}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC()}, 50)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	if !containsType(types, "ticket.created") || !containsType(types, "ticket.called") || !containsType(types, "queue.status") {
		t.Fatalf("missing expected event types in %v", types)
	}

	// Offset cursor resumes after the batch.
	last := events[len(events)-1]
	rest, err := st.ListOutboxEvents(ctx, store.OutboxOffset{LastEventTime: last.CreatedAt, LastEventID: last.EventID}, 50)
	if err != nil {
		t.Fatalf("list outbox from offset: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no events past the cursor, got %d", len(rest))
	}
}

func TestBroadcastOffsetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	fresh, err := st.GetOffset(ctx)
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if !fresh.LastEventTime.IsZero() || fresh.LastEventID != "" {
		t.Fatalf("fresh deployment must report a zero offset, got %+v", fresh)
	}

	cursor := store.OutboxOffset{
		LastEventTime: time.Now().UTC().Truncate(time.Microsecond),
		LastEventID:   uuid.NewString(),
	}
	if err := st.UpdateOffset(ctx, cursor); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	loaded, err := st.GetOffset(ctx)
	if err != nil {
		t.Fatalf("reload offset: %v", err)
	}
	if !loaded.LastEventTime.Equal(cursor.LastEventTime) || loaded.LastEventID != cursor.LastEventID {
		t.Fatalf("offset did not survive the round trip: %+v vs %+v", loaded, cursor)
	}

	// Advancing the cursor must be an upsert, not a second row.
	cursor.LastEventTime = cursor.LastEventTime.Add(time.Second)
	cursor.LastEventID = uuid.NewString()
	if err := st.UpdateOffset(ctx, cursor); err != nil {
		t.Fatalf("advance offset: %v", err)
	}
	loaded, err = st.GetOffset(ctx)
	if err != nil {
		t.Fatalf("reload advanced offset: %v", err)
	}
	if loaded.LastEventID != cursor.LastEventID {
		t.Fatalf("advanced offset not stored: %+v", loaded)
	}

	businessID := seedBusiness(t, ctx, pool, 100, 10)
	createTicket(t, ctx, st, businessID, uuid.NewString())
	if err := st.CleanupOutbox(ctx, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("cleanup outbox: %v", err)
	}
	events, err := st.ListOutboxEvents(ctx, store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC()}, 50)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected pruned outbox, %d events remain", len(events))
	}
}

func TestGetSessionExpiry(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	live := uuid.NewString()
	expired := uuid.NewString()
	userID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, role, expires_at) VALUES
			($1, $3, 'customer', NOW() + INTERVAL '1 hour'),
			($2, $3, 'customer', NOW() - INTERVAL '1 hour')
	`, live, expired, userID); err != nil {
		t.Fatalf("seed sessions: %v", err)
	}

	session, err := st.GetSession(ctx, live)
	if err != nil {
		t.Fatalf("live session: %v", err)
	}
	if session.UserID != userID || session.Role != store.RoleCustomer {
		t.Fatalf("unexpected session %+v", session)
	}
	if _, err := st.GetSession(ctx, expired); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for expired session, got %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBusiness(t *testing.T, ctx context.Context, pool *pgxpool.Pool, maxPerDay, avgServiceMinutes int) string {
	t.Helper()
	businessID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO businesses (business_id, name, max_per_day, avg_service_minutes)
		VALUES ($1, 'Test Business', $2, $3)
	`, businessID, maxPerDay, avgServiceMinutes); err != nil {
		t.Fatalf("seed business: %v", err)
	}
	return businessID
}

func createTicket(t *testing.T, ctx context.Context, st *Store, businessID, requestID string) models.Ticket {
	t.Helper()
	ticket, created, err := st.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:  requestID,
		BusinessID: businessID,
		UserID:     uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh ticket")
	}
	return ticket
}

func businessActor(businessID string) store.Actor {
	return store.Actor{UserID: uuid.NewString(), Role: store.RoleBusiness, BusinessID: businessID}
}

func containsType(types []string, want string) bool {
	for _, item := range types {
		if item == want {
			return true
		}
	}
	return false
}
