package queue

// fanout describes how a completed task produces successors.
type fanout int

const (
	// fanoutSameMedia enqueues one successor for the same media file.
	fanoutSameMedia fanout = iota
	// fanoutPerSegment enqueues one successor per segment of the media file.
	fanoutPerSegment
)

type edge struct {
	to     TaskKind
	fanout fanout
}

// stageGraph lists the successors of each kind. Adding a stage means adding
// an edge here and registering a handler; the dispatcher does not change.
var stageGraph = map[TaskKind][]edge{
	KindCapture:   {{to: KindTranscode, fanout: fanoutSameMedia}},
	KindTranscode: {{to: KindSegment, fanout: fanoutSameMedia}},
	KindSegment: {
		{to: KindTranscribe, fanout: fanoutPerSegment},
		{to: KindVisionAnalyze, fanout: fanoutPerSegment},
	},
}

// joinKind is enqueued once per order after every other task has completed.
const joinKind = KindSynthesizeReport

// rootKind is enqueued per media file when an order is configured.
const rootKind = KindCapture

// Successors returns the kinds directly enqueued after kind completes.
func Successors(kind TaskKind) []TaskKind {
	edges := stageGraph[kind]
	out := make([]TaskKind, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.to)
	}
	return out
}

// IsJoin reports whether kind waits for every other task of its order.
func IsJoin(kind TaskKind) bool {
	return kind == joinKind
}
