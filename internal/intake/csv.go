package intake

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
)

const (
	ColumnRecipient = "phone_number"
	ColumnContent   = "message"
)

// Row is one recipient/content pair of a submission.
type Row struct {
	Recipient string `json:"phone_number"`
	Content   string `json:"message"`
}

// ParseCSV reads a header row naming the phone_number and message columns,
// in any order, followed by data rows. Cells are trimmed; other columns are
// ignored.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, model.NewValidationError("file", "CSV file is empty")
	}
	if err != nil {
		return nil, model.NewValidationError("file", fmt.Sprintf("Invalid CSV: %v", err))
	}

	recipientCol, contentCol := -1, -1
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch name {
		case ColumnRecipient:
			recipientCol = i
		case ColumnContent:
			contentCol = i
		}
	}
	if recipientCol < 0 || contentCol < 0 {
		return nil, model.NewValidationError("file", "CSV must contain 'phone_number' and 'message' columns")
	}

	var rows []Row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, model.NewValidationError("file", fmt.Sprintf("Invalid CSV at line %d: %v", line, err))
		}
		rows = append(rows, Row{
			Recipient: cell(record, recipientCol),
			Content:   cell(record, contentCol),
		})
	}
	return rows, nil
}

func cell(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
