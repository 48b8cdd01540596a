package executor

import "fmt"

// Unavailable stands in for a backend that this binary was built without.
type Unavailable struct {
	reason string
}

func NewUnavailable(reason string) *Unavailable {
	return &Unavailable{reason: reason}
}

func (u *Unavailable) Name() string { return "unavailable" }

func (u *Unavailable) Import(def []byte) (Graph, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, u.reason)
}
