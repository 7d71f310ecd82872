package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"siteflow/internal/domain"
)

const valueColumns = `step_instance_id,tenant_id,field_key,value_type,value_string,value_number,value_date,value_datetime,value_json,updated_by,updated_at`

func scanValue(s rowScanner) (domain.FieldValue, error) {
	var v domain.FieldValue
	var str, date, datetime, raw sql.NullString
	var num sql.NullFloat64
	err := s.Scan(&v.StepInstanceID, &v.TenantID, &v.FieldKey, &v.Type, &str, &num, &date, &datetime, &raw, &v.UpdatedBy, &v.UpdatedAt)
	if err != nil {
		return v, notFound(err)
	}
	v.String = stringPtr(str)
	if num.Valid {
		n := num.Float64
		v.Number = &n
	}
	if date.Valid {
		d, err := time.Parse(domain.DateLayout, date.String)
		if err != nil {
			return v, fmt.Errorf("decode value_date: %w", err)
		}
		v.Date = &d
	}
	if datetime.Valid {
		dt, err := time.Parse(time.RFC3339Nano, datetime.String)
		if err != nil {
			return v, fmt.Errorf("decode value_datetime: %w", err)
		}
		v.DateTime = &dt
	}
	if raw.Valid {
		v.JSON = json.RawMessage(raw.String)
	}
	return v, nil
}

// UpsertValue writes the populated slot of v and clears the others.
func (r Repo) UpsertValue(ctx context.Context, q Querier, v domain.FieldValue) error {
	var date, datetime any
	if v.Date != nil {
		date = v.Date.Format(domain.DateLayout)
	}
	if v.DateTime != nil {
		datetime = v.DateTime.UTC().Format(time.RFC3339Nano)
	}
	var number any
	if v.Number != nil {
		number = *v.Number
	}
	raw, err := marshalNullable(v.JSON)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO field_values(`+valueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(step_instance_id, field_key) DO UPDATE SET
value_type=excluded.value_type, value_string=excluded.value_string, value_number=excluded.value_number,
value_date=excluded.value_date, value_datetime=excluded.value_datetime, value_json=excluded.value_json,
updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		v.StepInstanceID, v.TenantID, v.FieldKey, string(v.Type), nullableStringPtr(v.String), number, date, datetime, raw, v.UpdatedBy, v.UpdatedAt)
	return err
}

func (r Repo) ListValues(ctx context.Context, q Querier, tenantID, stepID string) ([]domain.FieldValue, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+valueColumns+` FROM field_values WHERE tenant_id=? AND step_instance_id=? ORDER BY field_key`, tenantID, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FieldValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
