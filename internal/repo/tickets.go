package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres ticket and department operations.

func (r *PostgresRepository) CreateTicket(ctx context.Context, t Ticket) (*Ticket, error) {
	createdAt := time.Now().Unix()
	const q = `
INSERT INTO tickets (guild_id, channel_id, creator_id, department_id, status, created_at)
VALUES ($1, $2, $3, $4, 'OPEN', $5)
RETURNING ticket_id;
`
	err := r.pool.QueryRow(ctx, q,
		t.GuildID,
		t.ChannelID,
		t.CreatorID,
		t.DepartmentID,
		createdAt,
	).Scan(&t.TicketID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrChannelTaken
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	t.Status = TicketStatusOpen
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (r *PostgresRepository) GetTicketByID(ctx context.Context, ticketID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE ticket_id = $1 LIMIT 1;`
	t, err := scanTicket(r.pool.QueryRow(ctx, q, ticketID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ticket by id: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) GetTicketByChannel(ctx context.Context, channelID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE channel_id = $1 LIMIT 1;`
	t, err := scanTicket(r.pool.QueryRow(ctx, q, channelID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ticket by channel: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListOpenTickets(ctx context.Context, guildID int64) ([]Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE guild_id = $1 AND status IN ('OPEN', 'CLAIMED') ORDER BY created_at DESC;`
	return r.queryTickets(ctx, q, guildID)
}

func (r *PostgresRepository) FindOpenTicketForCreator(ctx context.Context, guildID, creatorID, departmentID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets
WHERE guild_id = $1 AND creator_id = $2 AND department_id = $3 AND status IN ('OPEN', 'CLAIMED')
LIMIT 1;`
	t, err := scanTicket(r.pool.QueryRow(ctx, q, guildID, creatorID, departmentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find open ticket for creator: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) ClaimTicket(ctx context.Context, ticketID, handlerID int64) (bool, error) {
	const q = `UPDATE tickets SET status = 'CLAIMED', claimed_by_id = $1 WHERE ticket_id = $2 AND status = 'OPEN';`
	ct, err := r.pool.Exec(ctx, q, handlerID, ticketID)
	if err != nil {
		return false, fmt.Errorf("claim ticket: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) CloseTicket(ctx context.Context, ticketID int64, reason, transcriptRef string) (bool, error) {
	const q = `
UPDATE tickets
SET status = 'CLOSED', closed_at = $1, close_reason = $2, transcript_ref = $3
WHERE ticket_id = $4 AND status != 'CLOSED';
`
	ct, err := r.pool.Exec(ctx, q, time.Now().Unix(), reason, transcriptRef, ticketID)
	if err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SetTicketAIManaged(ctx context.Context, ticketID int64, managed bool) (bool, error) {
	const q = `UPDATE tickets SET is_ai_managed = $1 WHERE ticket_id = $2;`
	ct, err := r.pool.Exec(ctx, q, managed, ticketID)
	if err != nil {
		return false, fmt.Errorf("set ticket ai managed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListClosedTicketsWithTranscripts(ctx context.Context, guildID int64) ([]Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets
WHERE guild_id = $1 AND status = 'CLOSED' AND transcript_ref IS NOT NULL AND transcript_ref != ''
ORDER BY closed_at DESC;`
	return r.queryTickets(ctx, q, guildID)
}

func (r *PostgresRepository) queryTickets(ctx context.Context, q string, args ...any) ([]Ticket, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// -- Ticket departments --

func (r *PostgresRepository) ListDepartments(ctx context.Context, guildID int64) ([]TicketDepartment, error) {
	q := `SELECT ` + departmentColumns + ` FROM ticket_departments WHERE guild_id = $1 ORDER BY name ASC;`
	rows, err := r.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	var departments []TicketDepartment
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		departments = append(departments, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return departments, nil
}

func (r *PostgresRepository) GetDepartment(ctx context.Context, departmentID int64) (*TicketDepartment, error) {
	q := `SELECT ` + departmentColumns + ` FROM ticket_departments WHERE department_id = $1 LIMIT 1;`
	d, err := scanDepartment(r.pool.QueryRow(ctx, q, departmentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get department: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) UpsertDepartment(ctx context.Context, dept TicketDepartment) (*TicketDepartment, error) {
	staffJSON := roleIDsToJSON(dept.StaffRoleIDs)
	if dept.DepartmentID == 0 {
		const q = `
INSERT INTO ticket_departments (guild_id, name, description, staff_role_ids_json, welcome_message, button_label, button_emoji)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (guild_id, name) DO UPDATE SET
    description = excluded.description,
    staff_role_ids_json = excluded.staff_role_ids_json,
    welcome_message = excluded.welcome_message,
    button_label = excluded.button_label,
    button_emoji = excluded.button_emoji
RETURNING department_id;
`
		err := r.pool.QueryRow(ctx, q,
			dept.GuildID,
			dept.Name,
			dept.Description,
			staffJSON,
			dept.WelcomeMessage,
			dept.ButtonLabel,
			dept.ButtonEmoji,
		).Scan(&dept.DepartmentID)
		if err != nil {
			return nil, fmt.Errorf("upsert department: %w", err)
		}
		return &dept, nil
	}

	const q = `
UPDATE ticket_departments
SET name = $1, description = $2, staff_role_ids_json = $3, welcome_message = $4, button_label = $5, button_emoji = $6
WHERE department_id = $7 AND guild_id = $8;
`
	ct, err := r.pool.Exec(ctx, q,
		dept.Name,
		dept.Description,
		staffJSON,
		dept.WelcomeMessage,
		dept.ButtonLabel,
		dept.ButtonEmoji,
		dept.DepartmentID,
		dept.GuildID,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("update department: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return &dept, nil
}

func (r *PostgresRepository) DeleteDepartment(ctx context.Context, guildID, departmentID int64) (bool, error) {
	const q = `DELETE FROM ticket_departments WHERE department_id = $1 AND guild_id = $2;`
	ct, err := r.pool.Exec(ctx, q, departmentID, guildID)
	if err != nil {
		return false, fmt.Errorf("delete department: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
