package notification

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Contact is one alert recipient.
type Contact struct {
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
}

// ContactSource yields the current recipient list. It is read on every
// dispatch so edits take effect without a restart.
type ContactSource interface {
	Contacts(ctx context.Context) ([]Contact, error)
}

// StaticContacts is a fixed list.
type StaticContacts []Contact

func (s StaticContacts) Contacts(context.Context) ([]Contact, error) {
	out := make([]Contact, len(s))
	copy(out, s)
	return out, nil
}

// CSVContacts reads a headerless two-column file: name, email. Rows whose
// second column is not an address (a header line, for instance) are skipped.
type CSVContacts struct {
	Path   string
	Logger *zap.Logger
}

func (c *CSVContacts) Contacts(ctx context.Context) ([]Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts file %s: %w", c.Path, err)
	}
	defer f.Close()
	return ParseContacts(f, c.Logger)
}

// ParseContacts parses CSV rows of name,email.
func ParseContacts(r io.Reader, logger *zap.Logger) ([]Contact, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []Contact
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse contacts: %w", err)
		}
		line++
		if c, ok := contactRow(rec, line, logger); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// contactRow validates one name,email row. Rows with too few cells or a
// second cell that is not an address are skipped.
func contactRow(rec []string, line int, logger *zap.Logger) (Contact, bool) {
	if len(rec) < 2 {
		return Contact{}, false
	}
	name := strings.TrimSpace(rec[0])
	addr := strings.TrimSpace(rec[1])
	if _, err := mail.ParseAddress(addr); err != nil {
		if logger != nil {
			logger.Warn("Skipping contact row", zap.Int("line", line), zap.String("email", addr))
		}
		return Contact{}, false
	}
	return Contact{Name: name, Email: addr}, true
}

// XLSXContacts reads the first sheet of a workbook: names in column A,
// addresses in column B, no header row.
type XLSXContacts struct {
	Path   string
	Logger *zap.Logger
}

func (x *XLSXContacts) Contacts(ctx context.Context) ([]Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(x.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts workbook %s: %w", x.Path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("contacts workbook %s has no sheets", x.Path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}

	var out []Contact
	for i, row := range rows {
		if c, ok := contactRow(row, i+1, x.Logger); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

const contactSchema = `
CREATE TABLE IF NOT EXISTS alert_contacts (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// PostgresContacts reads active rows of alert_contacts.
type PostgresContacts struct {
	db *sqlx.DB
}

// NewPostgresContacts ensures the table exists.
func NewPostgresContacts(ctx context.Context, db *sqlx.DB) (*PostgresContacts, error) {
	if _, err := db.ExecContext(ctx, contactSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize contacts schema: %w", err)
	}
	return &PostgresContacts{db: db}, nil
}

func (p *PostgresContacts) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	if err := p.db.SelectContext(ctx, &out,
		`SELECT name, email FROM alert_contacts WHERE active ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	return out, nil
}
