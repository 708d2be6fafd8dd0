package metrics

type testRecorder struct {
	fires        map[string]int
	skips        map[string]map[SkipCause]int
	buildsets    map[string]int
	changes      map[string]map[bool]int
	emitFailures map[string]int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		fires:        map[string]int{},
		skips:        map[string]map[SkipCause]int{},
		buildsets:    map[string]int{},
		changes:      map[string]map[bool]int{},
		emitFailures: map[string]int{},
	}
}

func (t *testRecorder) IncFire(scheduler string) { t.fires[scheduler]++ }
func (t *testRecorder) IncSkip(scheduler string, cause SkipCause) {
	m, ok := t.skips[scheduler]
	if !ok {
		m = map[SkipCause]int{}
		t.skips[scheduler] = m
	}
	m[cause]++
}
func (t *testRecorder) IncBuildsetEmitted(scheduler string) { t.buildsets[scheduler]++ }
func (t *testRecorder) IncChangeRecorded(scheduler string, important bool) {
	m, ok := t.changes[scheduler]
	if !ok {
		m = map[bool]int{}
		t.changes[scheduler] = m
	}
	m[important]++
}
func (t *testRecorder) IncEmitFailure(scheduler string) { t.emitFailures[scheduler]++ }
