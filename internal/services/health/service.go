package health

import (
	"context"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Capacity reports how busy the background pool is.
type Capacity interface {
	InFlight() int
	Capacity() int
}

// Service encapsulates health-related checks.
type Service struct {
	DB   Pinger
	Pool Capacity
}

// NewService constructs a new health service. Either dependency may be nil.
func NewService(db Pinger, pool Capacity) *Service {
	return &Service{DB: db, Pool: pool}
}

// Report is the health payload.
type Report struct {
	OK       bool   `json:"ok"`
	Database string `json:"database"`
	InFlight int    `json:"inFlight"`
	Capacity int    `json:"capacity"`
}

// Status checks the database, when configured, and reports pool usage.
func (s *Service) Status(ctx context.Context) Report {
	r := Report{OK: true, Database: "memory"}
	if s.DB != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.DB.PingContext(pingCtx); err != nil {
			r.OK = false
			r.Database = "unreachable"
		} else {
			r.Database = "ok"
		}
	}
	if s.Pool != nil {
		r.InFlight = s.Pool.InFlight()
		r.Capacity = s.Pool.Capacity()
	}
	return r
}
