package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// ProgressFunc receives the cumulative number of bytes sent. Returning an error aborts the transfer.
type ProgressFunc func(written int64) error

// PutResult identifies where an object was written.
type PutResult struct {
	Key    string
	Bucket string
}

// ObjectStore defines the contract for saving and retrieving binary objects.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64, progress ProgressFunc) (PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// ProgressReader counts bytes read from R and reports the running total to OnRead.
type ProgressReader struct {
	R      io.Reader
	OnRead ProgressFunc
	n      int64
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.R.Read(b)
	if n > 0 {
		p.n += int64(n)
		if p.OnRead != nil {
			if cbErr := p.OnRead(p.n); cbErr != nil {
				return n, cbErr
			}
		}
	}
	return n, err
}

// N returns the number of bytes read so far.
func (p *ProgressReader) N() int64 {
	return p.n
}
