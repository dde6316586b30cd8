package strategy

import (
	"strings"

	"github.com/meridianlabs/swarmctl/graph"
)

// WorkerKind is one of the polymorphic agent kinds from spec §9
// ("Polymorphic workers"). Workers advertise their kind as a
// "kind:<x>" capability tag; Worker/Pool stay agnostic of the kind
// enum itself, so this package is the only one that interprets it.
type WorkerKind string

const (
	KindResearch     WorkerKind = "research"
	KindAnalysis     WorkerKind = "analysis"
	KindExecution    WorkerKind = "execution"
	KindValidation   WorkerKind = "validation"
	KindCoordination WorkerKind = "coordination"
	KindMonitoring   WorkerKind = "monitoring"
	KindSpecialist   WorkerKind = "specialist"
)

const kindTagPrefix = "kind:"
const roleTagPrefix = "role:"

// KindOf extracts a worker's advertised kind from its capability tags.
func KindOf(capabilities []string) (WorkerKind, bool) {
	for _, c := range capabilities {
		if strings.HasPrefix(c, kindTagPrefix) {
			return WorkerKind(strings.TrimPrefix(c, kindTagPrefix)), true
		}
	}
	return "", false
}

// HasRole reports whether a worker's capability tags include the given
// role tag, e.g. HasRole(caps, "senior") for "role:senior".
func HasRole(capabilities []string, role string) bool {
	want := roleTagPrefix + role
	for _, c := range capabilities {
		if c == want {
			return true
		}
	}
	return false
}

// compatibilityTable restricts which worker kinds may execute which
// task kinds (spec glossary: "task type/worker type compatibility
// matrix"). A nil slice means "compatible with any worker kind"; only
// TypeCustom has it. TypeTransform gets an explicit list (see DESIGN.md).
var compatibilityTable = map[graph.Type][]WorkerKind{
	graph.TypeAnalyze:   {KindResearch, KindAnalysis},
	graph.TypeProcess:   {KindExecution, KindSpecialist},
	graph.TypeTransform: {KindExecution, KindSpecialist},
	graph.TypeValidate:  {KindValidation},
	graph.TypeAggregate: {KindCoordination, KindAnalysis},
	graph.TypeCustom:    nil, // any kind
}

// Compatible reports whether a worker of the given kind may execute a
// task of the given type.
func Compatible(taskType graph.Type, kind WorkerKind) bool {
	allowed, known := compatibilityTable[taskType]
	if !known {
		return false
	}
	if allowed == nil {
		return true
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}
