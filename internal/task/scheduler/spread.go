package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first run of an interval schedule so jobs
// registered together do not all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// buildSchedule turns a parsed spec into a cron.Schedule. Interval schedules
// get a startup jitter in [0, min(every, 30s)) seeded by the job name.
func buildSchedule(p cron.Parser, spec ParsedSpec, name string, now time.Time) (cron.Schedule, time.Duration, error) {
	if spec.Kind == SpecCron {
		sch, err := p.Parse(spec.Cron)
		return sch, 0, err
	}
	base := cron.Every(spec.Every)
	spreadMax := min(spec.Every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0, nil
	}
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(fnv64a(name))))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return &spreadSchedule{base: base, first: now.Add(spec.Every + jitter)}, jitter, nil
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
