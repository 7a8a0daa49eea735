package repositories

import "errors"

// ErrNotFound is returned by all repositories when a requested record does
// not exist. Callers translate it to the platform error taxonomy at the
// boundary where concealment decisions are made.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a uniqueness constraint is violated, e.g. a
// duplicate user name or a second deployment for the same environment.
var ErrConflict = errors.New("record already exists")
