package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JsonColumn is a generic container for JSONB columns, allowing
// arbitrary (JSON serializable) Go types to be read from and written to
// the database without each model implementing the sql.Scanner and
// driver.Valuer interfaces.
type JsonColumn[T any] struct {
	val T
}

func NewJsonColumn[T any](v T) JsonColumn[T] { return JsonColumn[T]{val: v} }

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		var zero T
		j.val = zero
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JsonColumn", src)
	}

	return json.Unmarshal(raw, &j.val)
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	return json.Marshal(j.val)
}

func (j *JsonColumn[T]) Get() *T { return &j.val }

// ErrNoRowsAffected is returned by ExpectOneRow when an update or delete
// statement did not modify exactly one row.
var ErrNoRowsAffected = errors.New("no rows affected")

// ExpectOneRow inspects the result of an Exec, returning ErrNoRowsAffected
// if the statement did not affect any rows.
func ExpectOneRow(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRowsAffected
	}

	return nil
}
