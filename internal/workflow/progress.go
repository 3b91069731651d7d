package workflow

// MigrationPhase is a step of the migration job.
type MigrationPhase string

// Migration phases, in order.
const (
	PhaseFetchingProviders MigrationPhase = "fetchingProviders"
	PhaseFetchingRepos     MigrationPhase = "fetchingRepos"
	PhaseProcessingRepos   MigrationPhase = "processingRepos"
	PhaseWritingMetadata   MigrationPhase = "writingMetadata"
)

// phaseRange is the slice of overall progress a phase covers.
type phaseRange struct {
	Min, Max float64
}

var phaseWeights = map[MigrationPhase]phaseRange{
	PhaseFetchingProviders: {0, 0},
	PhaseFetchingRepos:     {0, 0.2},
	PhaseProcessingRepos:   {0.2, 0.8},
	PhaseWritingMetadata:   {0.8, 1.0},
}

var phaseOrder = []MigrationPhase{
	PhaseFetchingProviders,
	PhaseFetchingRepos,
	PhaseProcessingRepos,
	PhaseWritingMetadata,
}

// maxInFlightProgress caps progress until the job succeeds.
const maxInFlightProgress = 0.99

// MigrationCounters track the work done by a migration run.
type MigrationCounters struct {
	TotalProviders     int
	FetchedProviders   int
	TotalRepos         int
	ProcessedRepos     int
	TotalSnapshots     int
	ProcessedSnapshots int
	// FetchDone is set once every provider's repositories are listed and
	// the totals are final.
	FetchDone bool
}

// completion returns the finished share of phase p in [0, 1].
func (c MigrationCounters) completion(p MigrationPhase) float64 {
	switch p {
	case PhaseFetchingProviders:
		return ratio(c.FetchedProviders, c.TotalProviders, c.FetchDone)
	case PhaseFetchingRepos:
		return ratio(c.FetchedProviders, c.TotalProviders, c.FetchDone)
	case PhaseProcessingRepos:
		return ratio(c.ProcessedRepos, c.TotalRepos, c.FetchDone)
	case PhaseWritingMetadata:
		return ratio(c.ProcessedSnapshots, c.TotalSnapshots, c.FetchDone)
	}
	return 0
}

func ratio(done, total int, final bool) float64 {
	if total <= 0 {
		if final {
			return 1
		}
		return 0
	}
	r := float64(done) / float64(total)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// progressFraction maps counters to overall progress by weighting each
// phase's completion with its range in phaseWeights.
func progressFraction(c MigrationCounters) float64 {
	var f float64
	for _, p := range phaseOrder {
		w := phaseWeights[p]
		f += (w.Max - w.Min) * c.completion(p)
	}
	return f
}

// MigrationProgress is one progress event.
type MigrationProgress struct {
	Phase             MigrationPhase
	Message           string
	Fraction          float64
	MigratedRepos     int
	SkippedRepos      int
	MigratedSnapshots int
	SkippedSnapshots  int
	Errors            []string
}

// progressReporter emits non-decreasing progress events.
type progressReporter struct {
	sink EventSink
	last float64
}

func (r *progressReporter) report(p MigrationProgress, c MigrationCounters) {
	f := progressFraction(c)
	if f > maxInFlightProgress {
		f = maxInFlightProgress
	}
	if f < r.last {
		f = r.last
	}
	r.last = f
	p.Fraction = f
	r.sink.OnMigrationProgress(p)
}

func (r *progressReporter) complete(p MigrationProgress) {
	r.last = 1
	p.Fraction = 1
	r.sink.OnMigrationProgress(p)
}
