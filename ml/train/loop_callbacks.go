package train

import (
	"fmt"
)

type everyNEpochs struct {
	n, count int
	fn       OnEpochFn
}

func (eN *everyNEpochs) onEpoch(loop *Loop, metrics StepMetrics) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, metrics)
}

// EveryNEpochs registers an OnEpoch hook on the loop that is called every N
// epochs.
//
// Notice that it does not call fn at the last epoch (except by coincidence);
// attach an OnEnd hook for that.
func EveryNEpochs(loop *Loop, n int, name string, priority Priority, fn OnEpochFn) {
	eN := &everyNEpochs{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpoch(fullName, priority, eN.onEpoch)
}
