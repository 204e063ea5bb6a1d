package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrAlreadyExists indicates a uniqueness conflict on insert.
var ErrAlreadyExists = errors.New("repository: already exists")
