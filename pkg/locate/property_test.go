package locate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// behaviors indexes: 0 not found, 1 found, 2 errored
func scriptedDetectors(kinds []int) []core.Detector {
	dets := make([]core.Detector, len(kinds))
	for i, k := range kinds {
		name := fmt.Sprintf("d%d", i)
		switch k {
		case 0:
			dets[i] = detector(name, notFound)
		case 1:
			dets[i] = detector(name, found(i*10, 0))
		default:
			dets[i] = detector(name, errored)
		}
	}
	return dets
}

func TestResolve_PriorityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first found detector in priority order wins", prop.ForAll(
		func(kinds []int) bool {
			winner := -1
			for i, k := range kinds {
				if k == 1 {
					winner = i
					break
				}
			}

			var seen []core.StrategyOutcome
			m, err := NewResolver().Resolve(context.Background(), Request{
				Descriptor: textDescriptor("target"),
				Source:     newFakeSource(),
				Detectors:  scriptedDetectors(kinds),
				Observer:   func(o core.StrategyOutcome) { seen = append(seen, o) },
			})

			for i, o := range seen {
				if o.Detector != fmt.Sprintf("d%d", i) {
					return false
				}
			}

			if winner < 0 {
				var nf *core.ElementNotFoundError
				return errors.As(err, &nf) && len(nf.Outcomes) == len(kinds) && len(seen) == len(kinds)
			}
			return err == nil &&
				m.Strategy == fmt.Sprintf("d%d", winner) &&
				len(seen) == winner+1 &&
				seen[winner].Kind == core.OutcomeFound
		},
		gen.SliceOf(gen.IntRange(0, 2)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.Property("matches carry the capture they came from", prop.ForAll(
		func(cycle int) bool {
			m, err := NewResolver(fastBackoff).Resolve(context.Background(), Request{
				Descriptor: textDescriptor("target"),
				Timeout:    5 * time.Second,
				Source:     newFakeSource(),
				Detectors:  []core.Detector{detector("d", foundFrom(uint64(cycle)))},
			})
			return err == nil && m.CaptureID == uint64(cycle)
		},
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
