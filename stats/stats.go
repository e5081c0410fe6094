package stats

import (
	log "github.com/sirupsen/logrus"
)

type Counter int

const (
	// Collector counters.
	NCollectedFuncs Counter = iota
	NCollectedGlobalVars
	NCollectedGlobalAliases
	NCollectedStructFields

	// Tagger counters.
	NTaggedFuncs
	NTaggedGlobalVars
	NTaggedGlobalAliases
	NTaggedCalls
	NPropagatedTags
	NUnsupportedSinks

	// Instrumentation counters.
	NInstrumentedReads
	NInstrumentedWrites
	NInstrumentedAtomics
	NSafeAccesses
	NDedupedAccesses

	// Must be the last.
	NStatCount
)

var StatName map[Counter]string = map[Counter]string{
	NCollectedFuncs:         "Collected Functions",
	NCollectedGlobalVars:    "Collected Global Variables",
	NCollectedGlobalAliases: "Collected Global Aliases",
	NCollectedStructFields:  "Collected Struct Fields",

	NTaggedFuncs:         "Tagged Functions",
	NTaggedGlobalVars:    "Tagged Global Variables",
	NTaggedGlobalAliases: "Tagged Global Aliases",
	NTaggedCalls:         "Tagged Call Sites",
	NPropagatedTags:      "Propagated Tags",
	NUnsupportedSinks:    "Unsupported Sinks",

	NInstrumentedReads:   "Instrumented Reads",
	NInstrumentedWrites:  "Instrumented Writes",
	NInstrumentedAtomics: "Instrumented Atomics",
	NSafeAccesses:        "Safe Accesses Skipped",
	NDedupedAccesses:     "Deduplicated Accesses",
}

var count map[Counter]int = make(map[Counter]int)

var CollectStats = false

func IncStat(whichStat Counter) {
	if !CollectStats {
		return
	}
	_, ok := count[whichStat]
	if !ok {
		count[whichStat] = 0
	}
	count[whichStat]++
}

func GetStat(whichStat Counter) int {
	return count[whichStat]
}

// Reset clears all counters. Tests driving several passes in one process
// call it between runs.
func Reset() {
	count = make(map[Counter]int)
}

func ShowStats() {
	log.Info("------ STATS ------")
	for i := 0; i < int(NStatCount); i++ {
		stat := Counter(i)
		log.Infof("  %-28s:%10d", StatName[stat], GetStat(stat))
	}
	log.Info("-------------------")
}
