package stations

import (
	"fmt"
	"time"
)

type Report struct {
	StationOutputs   map[int]string `json:"stationOutputs"`
	PipelineMetadata Metadata       `json:"pipelineMetadata"`
}

type Metadata struct {
	ExecutionID       string `json:"executionId"`
	StationsCompleted int    `json:"stationsCompleted"`
	CachedStations    int    `json:"cachedStations"`
	// TotalExecutionTime is in milliseconds.
	TotalExecutionTime int64     `json:"totalExecutionTime"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
}

// StationError names the station that failed a run.
type StationError struct {
	Station     int
	Name        string
	ExecutionID string
	Err         error
}

func (e *StationError) Error() string {
	return fmt.Sprintf("station %d (%s) failed: %v", e.Station, e.Name, e.Err)
}

func (e *StationError) Unwrap() error { return e.Err }
