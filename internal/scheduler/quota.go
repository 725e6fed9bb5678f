package scheduler

import (
	"math"

	"github.com/sqe-prep/backend/internal/models"
)

// NextSubtype returns the subtype for the next item given how many items
// have been accepted and how many of them were scenarios. It picks whichever
// subtype keeps the running scenario count equal to round(made*ratio).
func NextSubtype(made, madeScenario int, ratio float64) models.Subtype {
	desired := int(math.Round(float64(made+1) * ratio))
	if madeScenario < desired {
		return models.SubtypeScenario
	}
	return models.SubtypeRecall
}
