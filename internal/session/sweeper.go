package session

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// defaultMaxCallAge bounds how long a session may stay live before the
// sweeper declares it stale. Webhook delivery failures can leave a hung-up
// call in the registry forever; the sweeper is the backstop.
const defaultMaxCallAge = 2 * time.Hour

// Sweeper periodically removes sessions that have outlived the maximum call
// age or carry the hangup flag with no operation left to observe it.
type Sweeper struct {
	engine *Engine
	maxAge time.Duration
	cron   *cron.Cron
	logger *slog.Logger
}

func NewSweeper(engine *Engine, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = defaultMaxCallAge
	}
	return &Sweeper{
		engine: engine,
		maxAge: maxAge,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the sweep every minute.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pass over the registry.
func (s *Sweeper) Sweep() {
	now := time.Now()
	for _, sess := range s.engine.Registry().All() {
		age := now.Sub(sess.StartedAt)
		switch {
		case age > s.maxAge:
			s.logger.Warn("sweeping stale session", "session_id", sess.ID, "age", age)
			s.engine.hangupQuietly(sess)
			sess.MarkHungUp()
			s.engine.cleanup(sess)
		case sess.HungUp() && sess.State().IsTerminal():
			s.logger.Info("sweeping ended session", "session_id", sess.ID)
			s.engine.cleanup(sess)
		}
	}
}
