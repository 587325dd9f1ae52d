package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/models"
	"github.com/yousif447/Queue-Management-System-sub002/internal/queue"
	"github.com/yousif447/Queue-Management-System-sub002/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const ticketColumns = `ticket_id, request_id, queue_id, business_id, user_id, ticket_number, status, created_at, called_at, served_at, completed_at`

type queueRow struct {
	QueueID           string
	BusinessID        string
	QueueDate         string
	CurrentNumber     int
	LastIssued        int
	Status            string
	MaxPerDay         int
	AvgServiceMinutes int
}

// CreateTicket is the admission gate plus counter. The queue row is locked
// before anything else, so concurrent bookings serialize on it: the
// capacity count runs after the lock is granted and therefore sees every
// admission committed by a booking this one waited on, and the number
// increment happens under the same lock. A ticket-number unique violation
// (only possible if an operator has edited rows by hand) is retried once.
func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	ticket, created, err := s.createTicket(ctx, input)
	if err != nil && isUniqueViolation(err) {
		ticket, created, err = s.createTicket(ctx, input)
	}
	return ticket, created, err
}

func (s *Store) createTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	queueDate := createdAt.UTC().Format("2006-01-02")

	if err = ensureQueue(ctx, tx, input.BusinessID, queueDate); err != nil {
		return models.Ticket{}, false, err
	}

	// The capacity count must run in a statement that starts after the
	// queue row lock is granted; a subquery inside a conditional UPDATE
	// keeps the blocked statement's original snapshot and misses the
	// winner's ticket.
	var q queueRow
	row := tx.QueryRow(ctx, `
		SELECT queue_id, business_id, queue_date::text, current_number, last_issued, status, max_per_day, avg_service_minutes
		FROM queues
		WHERE business_id = $1 AND queue_date = $2
		FOR UPDATE
	`, input.BusinessID, queueDate)
	if err = row.Scan(&q.QueueID, &q.BusinessID, &q.QueueDate, &q.CurrentNumber, &q.LastIssued, &q.Status, &q.MaxPerDay, &q.AvgServiceMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return models.Ticket{}, false, err
	}
	if q.Status != models.QueueActive {
		err = store.ErrQueuePaused
		return models.Ticket{}, false, err
	}

	var waiting int
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND status = 'waiting'
	`, q.QueueID).Scan(&waiting); err != nil {
		return models.Ticket{}, false, err
	}
	if models.IsFullyBooked(q.CurrentNumber, waiting, q.MaxPerDay) {
		err = store.ErrQueueFull
		return models.Ticket{}, false, err
	}

	if err = tx.QueryRow(ctx, `
		UPDATE queues SET last_issued = last_issued + 1 WHERE queue_id = $1 RETURNING last_issued
	`, q.QueueID).Scan(&q.LastIssued); err != nil {
		return models.Ticket{}, false, err
	}

	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		RequestID:    input.RequestID,
		QueueID:      q.QueueID,
		BusinessID:   input.BusinessID,
		UserID:       input.UserID,
		TicketNumber: q.LastIssued,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, request_id, queue_id, business_id, user_id, ticket_number, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ticket.TicketID, ticket.RequestID, ticket.QueueID, ticket.BusinessID, ticket.UserID, ticket.TicketNumber, ticket.Status, ticket.CreatedAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)

	if err = insertTicketEvent(ctx, tx, "ticket.created", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+prefixed("t")+`, q.current_number, q.avg_service_minutes
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicketWithQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListUserTickets(ctx context.Context, userID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("t")+`, q.current_number, q.avg_service_minutes
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) ListQueueTickets(ctx context.Context, queueID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("t")+`, q.current_number, q.avg_service_minutes
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.queue_id = $1 AND t.status IN ('waiting','called','in_progress')
		ORDER BY t.ticket_number ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return s.queueSnapshot(ctx, `WHERE queue_id = $1`, queueID)
}

func (s *Store) GetBusinessQueue(ctx context.Context, businessID string, date time.Time) (models.Queue, error) {
	return s.queueSnapshot(ctx, `WHERE business_id = $1 AND queue_date = $2`, businessID, date.UTC().Format("2006-01-02"))
}

func (s *Store) queueSnapshot(ctx context.Context, where string, args ...interface{}) (models.Queue, error) {
	var q models.Queue
	row := s.pool.QueryRow(ctx, `
		SELECT queue_id, business_id, queue_date::text, current_number, last_issued, status, max_per_day, avg_service_minutes,
			(SELECT COUNT(*) FROM tickets t WHERE t.queue_id = queues.queue_id AND t.status = 'waiting')
		FROM queues
		`+where, args...)
	if err := row.Scan(&q.QueueID, &q.BusinessID, &q.QueueDate, &q.CurrentNumber, &q.LastIssued, &q.Status, &q.MaxPerDay, &q.AvgServiceMinutes, &q.TotalWaiting); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	q.FullyBooked = models.IsFullyBooked(q.CurrentNumber, q.TotalWaiting, q.MaxPerDay)
	return q, nil
}

// CallNext moves the lowest-numbered waiting ticket to called. The single
// active service slot rule is enforced inside the same statement: no row
// is selected while another ticket in the queue is called or in progress.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	if input.Actor.Role != store.RoleBusiness {
		return models.Ticket{}, false, store.ErrUnauthorized
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	q, err := lockQueue(ctx, tx, input.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if q.BusinessID != input.Actor.BusinessID {
		err = store.ErrUnauthorized
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'called', called_at = $2
		WHERE ticket_id = (
			SELECT t.ticket_id FROM tickets t
			WHERE t.queue_id = $1 AND t.status = 'waiting'
				AND NOT EXISTS (
					SELECT 1 FROM tickets a
					WHERE a.queue_id = $1 AND a.status IN ('called','in_progress')
				)
			ORDER BY t.ticket_number ASC
			LIMIT 1
		)
		RETURNING `+ticketColumns+`
	`, input.QueueID, calledAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var active int
			if err = tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND status IN ('called','in_progress')
			`, input.QueueID).Scan(&active); err != nil {
				return models.Ticket{}, false, err
			}
			if active > 0 {
				err = store.ErrSlotOccupied
			} else {
				err = store.ErrQueueEmpty
			}
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)

	if err = insertTicketEvent(ctx, tx, "ticket.called", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.businessTransition(ctx, input, "start", "ticket.started", `
		UPDATE tickets
		SET status = 'in_progress', served_at = $4
		WHERE ticket_id = $1 AND business_id = $2 AND status = ANY($3)
		RETURNING `+ticketColumns+`
	`, false)
}

// CompleteTicket resolves the head of line: the queue's current number
// advances, which shifts every waiting ticket's derived position.
func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.businessTransition(ctx, input, "complete", "ticket.completed", `
		UPDATE tickets
		SET status = 'completed', completed_at = $4
		WHERE ticket_id = $1 AND business_id = $2 AND status = ANY($3)
		RETURNING `+ticketColumns+`
	`, true)
}

func (s *Store) NoShowTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if input.Actor.Role != store.RoleBusiness {
		return models.Ticket{}, false, store.ErrUnauthorized
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queueID, err := ticketQueueID(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	q, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'missed'
		WHERE ticket_id = $1 AND business_id = $2 AND status = ANY($3)
		RETURNING `+ticketColumns+`
	`, input.TicketID, input.Actor.BusinessID, store.AllowedFrom("no_show"))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = disambiguate(ctx, tx, input.TicketID, input.Actor)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	// A no-show after being called frees the head of line; a no-show
	// while still waiting leaves the counter alone.
	wasCalled := ticket.CalledAt != nil
	if wasCalled {
		if q, err = advanceCurrentNumber(ctx, tx, ticket.QueueID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)

	if err = insertTicketEvent(ctx, tx, "ticket.missed", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if wasCalled {
		if err = insertPositionsEvent(ctx, tx, q); err != nil {
			return models.Ticket{}, false, err
		}
	}
	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ReactivateTicket puts a missed ticket back in line. The ticket keeps its
// number; its position is derived against the queue's current number at
// read time, so it rejoins behind whoever is being served rather than
// reclaiming its original slot.
func (s *Store) ReactivateTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if input.Actor.Role != store.RoleBusiness {
		return models.Ticket{}, false, store.ErrUnauthorized
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queueID, err := ticketQueueID(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	q, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'waiting', called_at = NULL, served_at = NULL
		WHERE ticket_id = $1 AND business_id = $2 AND status = ANY($3)
		RETURNING `+ticketColumns+`
	`, input.TicketID, input.Actor.BusinessID, store.AllowedFrom("reactivate"))
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = disambiguate(ctx, tx, input.TicketID, input.Actor)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)

	if err = insertTicketEvent(ctx, tx, "ticket.reactivated", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertPositionsEvent(ctx, tx, q); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// CancelTicket may be requested by the ticket's owner or by the business;
// only a waiting ticket can be cancelled.
func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var row pgx.Row
	if input.Actor.Role == store.RoleBusiness {
		row = tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = 'cancelled'
			WHERE ticket_id = $1 AND business_id = $2 AND status = ANY($3)
			RETURNING `+ticketColumns+`
		`, input.TicketID, input.Actor.BusinessID, store.AllowedFrom("cancel"))
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = 'cancelled'
			WHERE ticket_id = $1 AND user_id = $2 AND status = ANY($3)
			RETURNING `+ticketColumns+`
		`, input.TicketID, input.Actor.UserID, store.AllowedFrom("cancel"))
	}
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = disambiguate(ctx, tx, input.TicketID, input.Actor)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	if err = insertTicketEvent(ctx, tx, "ticket.cancelled", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertQueueStatusEvent(ctx, tx, ticket.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) PauseQueue(ctx context.Context, input store.QueueActionInput) (models.Queue, error) {
	return s.setQueueStatus(ctx, input, models.QueuePaused)
}

func (s *Store) ResumeQueue(ctx context.Context, input store.QueueActionInput) (models.Queue, error) {
	return s.setQueueStatus(ctx, input, models.QueueActive)
}

func (s *Store) setQueueStatus(ctx context.Context, input store.QueueActionInput, status string) (models.Queue, error) {
	if input.Actor.Role != store.RoleBusiness {
		return models.Queue{}, store.ErrUnauthorized
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var q queueRow
	row := tx.QueryRow(ctx, `
		UPDATE queues
		SET status = $3
		WHERE queue_id = $1 AND business_id = $2
		RETURNING queue_id, business_id, queue_date::text, current_number, last_issued, status, max_per_day, avg_service_minutes
	`, input.QueueID, input.Actor.BusinessID, status)
	if err = row.Scan(&q.QueueID, &q.BusinessID, &q.QueueDate, &q.CurrentNumber, &q.LastIssued, &q.Status, &q.MaxPerDay, &q.AvgServiceMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queues WHERE queue_id = $1)`, input.QueueID).Scan(&exists); err != nil {
				return models.Queue{}, err
			}
			if exists {
				err = store.ErrUnauthorized
			} else {
				err = store.ErrQueueNotFound
			}
			return models.Queue{}, err
		}
		return models.Queue{}, err
	}

	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Queue{}, err
	}
	snapshot, err := queueModel(ctx, tx, q)
	if err != nil {
		return models.Queue{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return snapshot, nil
}

// AutoNoShow sweeps called tickets whose grace period has elapsed through
// the same missed transition the manual action uses. Disabled when the
// configured grace is zero.
func (s *Store) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Candidates are read without locks; each one is re-checked under its
	// queue's lock so the sweep takes locks in the same queue-then-ticket
	// order as the manual transitions.
	cutoff := time.Now().UTC().Add(-grace)
	rows, err := tx.Query(ctx, `
		SELECT ticket_id, queue_id
		FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	type candidate struct {
		ticketID string
		queueID  string
	}
	var stale []candidate
	for rows.Next() {
		var c candidate
		if scanErr := rows.Scan(&c.ticketID, &c.queueID); scanErr != nil {
			rows.Close()
			err = scanErr
			return 0, err
		}
		stale = append(stale, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, c := range stale {
		if _, err = lockQueue(ctx, tx, c.queueID); err != nil {
			return 0, err
		}
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = 'missed'
			WHERE ticket_id = $1 AND status = 'called' AND called_at <= $2
			RETURNING `+ticketColumns+`
		`, c.ticketID, cutoff)
		var ticket models.Ticket
		if ticket, err = scanTicket(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Resolved by a manual action between the scan and the lock.
				err = nil
				continue
			}
			return 0, err
		}
		var q queueRow
		if q, err = advanceCurrentNumber(ctx, tx, ticket.QueueID); err != nil {
			return 0, err
		}
		queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)
		if err = insertTicketEvent(ctx, tx, "ticket.missed", ticket); err != nil {
			return 0, err
		}
		if err = insertPositionsEvent(ctx, tx, q); err != nil {
			return 0, err
		}
		if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
			return 0, err
		}
		processed++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return processed, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	lastID := offset.LastEventID
	if lastID == "" {
		lastID = "00000000-0000-0000-0000-000000000000"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, queue_id, COALESCE(user_id::text, ''), type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2::uuid)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.QueueID, &event.UserID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

const broadcastConsumer = "broadcast"

// GetOffset loads the broadcaster's persisted outbox cursor. A missing row
// is a fresh deployment, not an error.
func (s *Store) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM broadcast_offsets
		WHERE consumer = $1
	`, broadcastConsumer)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_offsets (consumer, last_event_time, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE
		SET last_event_time = EXCLUDED.last_event_time, last_event_id = EXCLUDED.last_event_id
	`, broadcastConsumer, offset.LastEventTime, offset.LastEventID)
	return err
}

// CleanupOutbox drops events strictly older than the persisted cursor
// time. Events sharing the cursor's timestamp are kept; the (time, id)
// comparison in ListOutboxEvents may still need them.
func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	var businessID sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, business_id, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &businessID, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	if businessID.Valid {
		session.BusinessID = businessID.String
	}
	return session, nil
}

// businessTransition runs the shared shape of start/complete: a business
// actor, a single conditional update, and optional head advancement with
// position fan-out.
func (s *Store) businessTransition(ctx context.Context, input store.TicketActionInput, action, eventType, query string, advanceHead bool) (models.Ticket, bool, error) {
	if input.Actor.Role != store.RoleBusiness {
		return models.Ticket{}, false, store.ErrUnauthorized
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	queueID, err := ticketQueueID(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	q, err := lockQueue(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	row := tx.QueryRow(ctx, query, input.TicketID, input.Actor.BusinessID, store.AllowedFrom(action), occurredAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = disambiguate(ctx, tx, input.TicketID, input.Actor)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	if advanceHead {
		if q, err = advanceCurrentNumber(ctx, tx, ticket.QueueID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	queue.Apply(&ticket, q.CurrentNumber, q.AvgServiceMinutes)

	if err = insertTicketEvent(ctx, tx, eventType, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if advanceHead {
		if err = insertPositionsEvent(ctx, tx, q); err != nil {
			return models.Ticket{}, false, err
		}
	}
	if err = insertQueueStatusEvent(ctx, tx, q.QueueID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// disambiguate explains a conditional update that matched no row: the
// ticket is missing, the actor has no authority over it, or the transition
// is not legal from its current status.
func disambiguate(ctx context.Context, tx pgx.Tx, ticketID string, actor store.Actor) error {
	var businessID, userID, status string
	row := tx.QueryRow(ctx, `
		SELECT business_id, user_id, status FROM tickets WHERE ticket_id = $1
	`, ticketID)
	if err := row.Scan(&businessID, &userID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	switch actor.Role {
	case store.RoleBusiness:
		if businessID != actor.BusinessID {
			return store.ErrUnauthorized
		}
	default:
		if userID != actor.UserID {
			return store.ErrUnauthorized
		}
	}
	return store.ErrInvalidTransition
}

func ensureQueue(ctx context.Context, tx pgx.Tx, businessID, queueDate string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM businesses WHERE business_id = $1)`, businessID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrBusinessNotFound
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO queues (queue_id, business_id, queue_date, status, max_per_day, avg_service_minutes)
		SELECT $1, b.business_id, $2, 'active', b.max_per_day, b.avg_service_minutes
		FROM businesses b WHERE b.business_id = $3
		ON CONFLICT (business_id, queue_date) DO NOTHING
	`, uuid.NewString(), queueDate, businessID)
	return err
}

// ticketQueueID resolves a ticket's queue without taking any row lock, so
// every transition can lock the queue before touching the ticket, in the
// same order CallNext does.
func ticketQueueID(ctx context.Context, tx pgx.Tx, ticketID string) (string, error) {
	var queueID string
	if err := tx.QueryRow(ctx, `
		SELECT queue_id FROM tickets WHERE ticket_id = $1
	`, ticketID).Scan(&queueID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrTicketNotFound
		}
		return "", err
	}
	return queueID, nil
}

func lockQueue(ctx context.Context, tx pgx.Tx, queueID string) (queueRow, error) {
	var q queueRow
	row := tx.QueryRow(ctx, `
		SELECT queue_id, business_id, queue_date::text, current_number, last_issued, status, max_per_day, avg_service_minutes
		FROM queues
		WHERE queue_id = $1
		FOR UPDATE
	`, queueID)
	if err := row.Scan(&q.QueueID, &q.BusinessID, &q.QueueDate, &q.CurrentNumber, &q.LastIssued, &q.Status, &q.MaxPerDay, &q.AvgServiceMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queueRow{}, store.ErrQueueNotFound
		}
		return queueRow{}, err
	}
	return q, nil
}

func advanceCurrentNumber(ctx context.Context, tx pgx.Tx, queueID string) (queueRow, error) {
	var q queueRow
	row := tx.QueryRow(ctx, `
		UPDATE queues
		SET current_number = current_number + 1
		WHERE queue_id = $1
		RETURNING queue_id, business_id, queue_date::text, current_number, last_issued, status, max_per_day, avg_service_minutes
	`, queueID)
	if err := row.Scan(&q.QueueID, &q.BusinessID, &q.QueueDate, &q.CurrentNumber, &q.LastIssued, &q.Status, &q.MaxPerDay, &q.AvgServiceMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queueRow{}, store.ErrQueueNotFound
		}
		return queueRow{}, err
	}
	return q, nil
}

func queueModel(ctx context.Context, tx pgx.Tx, q queueRow) (models.Queue, error) {
	var waiting int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND status = 'waiting'
	`, q.QueueID).Scan(&waiting); err != nil {
		return models.Queue{}, err
	}
	return models.Queue{
		QueueID:           q.QueueID,
		BusinessID:        q.BusinessID,
		QueueDate:         q.QueueDate,
		CurrentNumber:     q.CurrentNumber,
		LastIssued:        q.LastIssued,
		Status:            q.Status,
		MaxPerDay:         q.MaxPerDay,
		AvgServiceMinutes: q.AvgServiceMinutes,
		TotalWaiting:      waiting,
		FullyBooked:       models.IsFullyBooked(q.CurrentNumber, waiting, q.MaxPerDay),
	}, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+prefixed("t")+`, q.current_number, q.avg_service_minutes
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.request_id = $1
	`, requestID)
	ticket, err := scanTicketWithQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

type positionUpdate struct {
	TicketID             string `json:"ticket_id"`
	Position             int    `json:"position"`
	PeopleBefore         int    `json:"people_before"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type positionsPayload struct {
	QueueID string           `json:"queue_id"`
	Updates []positionUpdate `json:"updates"`
}

type queueStatusPayload struct {
	QueueID        string `json:"queue_id"`
	Status         string `json:"status"`
	CurrentServing int    `json:"current_serving"`
	TotalWaiting   int    `json:"total_waiting"`
	FullyBooked    bool   `json:"fully_booked"`
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	return insertOutboxEvent(ctx, tx, ticket.QueueID, ticket.UserID, eventType, payload)
}

// insertPositionsEvent recomputes placement for every still-waiting ticket
// in the queue and records the result as one event. The scan is bounded by
// queue size; no per-ticket locking is needed because positions are
// derived, not stored.
func insertPositionsEvent(ctx context.Context, tx pgx.Tx, q queueRow) error {
	rows, err := tx.Query(ctx, `
		SELECT ticket_id, ticket_number FROM tickets
		WHERE queue_id = $1 AND status = 'waiting'
		ORDER BY ticket_number ASC
	`, q.QueueID)
	if err != nil {
		return err
	}
	defer rows.Close()

	payload := positionsPayload{QueueID: q.QueueID}
	for rows.Next() {
		var ticketID string
		var number int
		if err := rows.Scan(&ticketID, &number); err != nil {
			return err
		}
		placement := queue.Compute(models.StatusWaiting, number, q.CurrentNumber, q.AvgServiceMinutes)
		payload.Updates = append(payload.Updates, positionUpdate{
			TicketID:             ticketID,
			Position:             placement.Position,
			PeopleBefore:         queue.PeopleBefore(placement),
			EstimatedWaitMinutes: placement.EstimatedWaitMinutes,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(payload.Updates) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return insertOutboxEvent(ctx, tx, q.QueueID, "", "queue.positions", raw)
}

func insertQueueStatusEvent(ctx context.Context, tx pgx.Tx, queueID string) error {
	var payload queueStatusPayload
	row := tx.QueryRow(ctx, `
		SELECT q.queue_id, q.status,
			COALESCE((SELECT t.ticket_number FROM tickets t WHERE t.queue_id = q.queue_id AND t.status IN ('called','in_progress') LIMIT 1), q.current_number),
			(SELECT COUNT(*) FROM tickets t WHERE t.queue_id = q.queue_id AND t.status = 'waiting'),
			q.current_number + (SELECT COUNT(*) FROM tickets t WHERE t.queue_id = q.queue_id AND t.status = 'waiting') >= q.max_per_day
		FROM queues q
		WHERE q.queue_id = $1
	`, queueID)
	if err := row.Scan(&payload.QueueID, &payload.Status, &payload.CurrentServing, &payload.TotalWaiting, &payload.FullyBooked); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return insertOutboxEvent(ctx, tx, queueID, "", "queue.status", raw)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, queueID, userID, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, queue_id, user_id, type, payload_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), queueID, nullIfEmpty(userID), eventType, payload, time.Now().UTC())
	return err
}

func prefixed(alias string) string {
	return alias + ".ticket_id, " + alias + ".request_id, " + alias + ".queue_id, " + alias + ".business_id, " + alias + ".user_id, " + alias + ".ticket_number, " + alias + ".status, " + alias + ".created_at, " + alias + ".called_at, " + alias + ".served_at, " + alias + ".completed_at"
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAt, servedAt, completedAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.QueueID, &ticket.BusinessID, &ticket.UserID, &ticket.TicketNumber, &ticket.Status, &ticket.CreatedAt, &calledAt, &servedAt, &completedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	return ticket, nil
}

func scanTicketWithQueue(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAt, servedAt, completedAt sql.NullTime
	var currentNumber, avgServiceMinutes int
	if err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.QueueID, &ticket.BusinessID, &ticket.UserID, &ticket.TicketNumber, &ticket.Status, &ticket.CreatedAt, &calledAt, &servedAt, &completedAt, &currentNumber, &avgServiceMinutes); err != nil {
		return models.Ticket{}, err
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	queue.Apply(&ticket, currentNumber, avgServiceMinutes)
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicketWithQueue(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
