// Package stations runs the seven-station screenplay analysis on top of the pipeline
// scheduler. Stations 1 to 6 read the script independently; station 7 synthesises
// their outputs into the final report.
package stations

import (
	"strconv"
	"time"
)

const (
	EntityExtraction  = 1
	Structure         = 2
	CharacterArcs     = 3
	Dialogue          = 4
	Theme             = 5
	MarketPositioning = 6
	Synthesis         = 7
)

// Station describes one analysis step.
type Station struct {
	Number       int
	Name         string
	Dependencies []int
	prompt       func(script string, upstream map[int]string) string
}

// ID is the pipeline step ID of the station.
func (s Station) ID() string {
	return strconv.Itoa(s.Number)
}

// Catalog lists the stations in number order.
func Catalog() []Station {
	return []Station{
		{Number: EntityExtraction, Name: "Entity Extraction", prompt: entityPrompt},
		{Number: Structure, Name: "Structure", prompt: structurePrompt},
		{Number: CharacterArcs, Name: "Character Arcs", prompt: characterArcsPrompt},
		{Number: Dialogue, Name: "Dialogue", prompt: dialoguePrompt},
		{Number: Theme, Name: "Theme", prompt: themePrompt},
		{Number: MarketPositioning, Name: "Market Positioning", prompt: marketPrompt},
		{
			Number:       Synthesis,
			Name:         "Synthesis",
			Dependencies: []int{EntityExtraction, Structure, CharacterArcs, Dialogue, Theme, MarketPositioning},
			prompt:       synthesisPrompt,
		},
	}
}

// Settings tune the caching and timeout of a station.
type Settings struct {
	TTL                  time.Duration
	Timeout              time.Duration
	StaleWhileRevalidate bool
	StaleTTL             time.Duration
}

// DefaultSettings caches analyses for a day and serves them stale for another while
// they are refreshed.
func DefaultSettings() Settings {
	return Settings{
		TTL:                  24 * time.Hour,
		Timeout:              2 * time.Minute,
		StaleWhileRevalidate: true,
		StaleTTL:             24 * time.Hour,
	}
}

// Override is a partial Settings; zero fields keep the base value.
type Override struct {
	TTL                  time.Duration
	Timeout              time.Duration
	StaleWhileRevalidate *bool
	StaleTTL             time.Duration
}

func (s Settings) Apply(o Override) Settings {
	if o.TTL > 0 {
		s.TTL = o.TTL
	}
	if o.Timeout > 0 {
		s.Timeout = o.Timeout
	}
	if o.StaleTTL > 0 {
		s.StaleTTL = o.StaleTTL
	}
	if o.StaleWhileRevalidate != nil {
		s.StaleWhileRevalidate = *o.StaleWhileRevalidate
	}
	return s
}
