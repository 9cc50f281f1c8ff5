package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows into a nil result without error, the
// convention for Find* methods.
//
//	var s model.Session
//	err := r.db.GetContext(ctx, &s, query, args...)
//	return HandleNotFound(&s, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
