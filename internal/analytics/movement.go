package analytics

import (
	"time"

	"gps-telemetry-monitor/internal/models"
)

// MovingThreshold is the speed, in km/h, above which a running vehicle counts as moving
// and at or below which it counts as idling.
const MovingThreshold = 1.0

// MovementState is the class a single record falls into
type MovementState int

const (
	Unclassified MovementState = iota
	Moving
	Idling
	Stopped
)

func (s MovementState) String() string {
	switch s {
	case Moving:
		return "moving"
	case Idling:
		return "idling"
	case Stopped:
		return "stopped"
	default:
		return "unclassified"
	}
}

// EngineOn reports whether the record's engine counts as running: the status
// label says ON and the ignition code is set.
func EngineOn(r *models.GPSRecord) bool {
	return r.EngineStatus == models.EngineOnLabel && r.IOData.Flag(CodeIgnition)
}

// Classify returns the movement state of one record
func Classify(r *models.GPSRecord) MovementState {
	engineOn := EngineOn(r)
	switch {
	case engineOn && r.IOData.Flag(CodeMovement) && r.Speed > MovingThreshold:
		return Moving
	case engineOn && r.Speed <= MovingThreshold:
		return Idling
	case !engineOn && r.Speed == 0:
		return Stopped
	default:
		return Unclassified
	}
}

// segment accumulates the time spent in one movement state
type segment struct {
	open  bool
	start time.Time
	total time.Duration
}

// observe opens the segment on the first matching record and closes it on the
// first non-matching one.
func (s *segment) observe(match bool, ts time.Time) {
	switch {
	case match && !s.open:
		s.open = true
		s.start = ts
	case !match && s.open:
		s.close(ts)
	}
}

func (s *segment) close(ts time.Time) {
	if !s.open {
		return
	}
	s.total += ts.Sub(s.start)
	s.open = false
}

// MovementStatsOf segments an ordered record sequence into moving, idling and
// stopped runs and returns the time spent in each. Segments still open at the
// end are closed at the last record's timestamp.
func MovementStatsOf(records []models.GPSRecord) models.MovementStats {
	if len(records) == 0 {
		return models.MovementStats{}
	}
	records = Ascending(records)

	var moving, idling, stopped segment
	for i := range records {
		state := Classify(&records[i])
		ts := records[i].LogTimestamp
		moving.observe(state == Moving, ts)
		idling.observe(state == Idling, ts)
		stopped.observe(state == Stopped, ts)
	}

	last := records[len(records)-1].LogTimestamp
	moving.close(last)
	idling.close(last)
	stopped.close(last)

	return models.MovementStats{
		TotalMovingTime:  moving.total.Seconds(),
		TotalIdlingTime:  idling.total.Seconds(),
		TotalStoppedTime: stopped.total.Seconds(),
	}
}
