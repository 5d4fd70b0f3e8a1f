package worker

import "time"

// Stats is the running record of one router.
type Stats struct {
	Backend            string    `json:"device"`
	DownloadModelsTime []float64 `json:"downloadModelsTime"`
	DecodeTimes        []float64 `json:"decodeTimes"`
	LastError          *string   `json:"lastError"`
}

func newStats() Stats {
	return Stats{
		Backend:            "unknown",
		DownloadModelsTime: []float64{},
		DecodeTimes:        []float64{},
	}
}

func (s Stats) clone() Stats {
	out := Stats{
		Backend:            s.Backend,
		DownloadModelsTime: append([]float64{}, s.DownloadModelsTime...),
		DecodeTimes:        append([]float64{}, s.DecodeTimes...),
	}
	if s.LastError != nil {
		msg := *s.LastError
		out.LastError = &msg
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
