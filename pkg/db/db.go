// Package db persists content items keyed by content id.
package db

import (
	"errors"

	"github.com/WebFirstLanguage/histnet/pkg/content"
)

// ErrNotFound is returned by Get when no value is stored under the id
var ErrNotFound = errors.New("not found")

// Store is the content database used by the history protocol
type Store interface {
	Get(id content.ID) ([]byte, error)
	Put(id content.ID, value []byte) error
	Has(id content.ID) (bool, error)
	Delete(id content.ID) error
	Count() (int, error)
	Close() error
}
