package pricing

import "fmt"

// FaultInjector panics for the configured ids and delegates every other id.
type FaultInjector struct {
	next   Quoter
	faults map[int64]string
}

func NewFaultInjector(next Quoter, ids ...int64) *FaultInjector {
	fi := &FaultInjector{next: next, faults: make(map[int64]string, len(ids))}
	for _, id := range ids {
		fi.faults[id] = fmt.Sprintf("injected fault for id %d", id)
	}
	return fi
}

// WithMessage overrides the panic message for id.
func (f *FaultInjector) WithMessage(id int64, msg string) *FaultInjector {
	f.faults[id] = msg
	return f
}

func (f *FaultInjector) Quote(id int64) PriceResult {
	if msg, ok := f.faults[id]; ok {
		panic(msg)
	}
	return f.next.Quote(id)
}
