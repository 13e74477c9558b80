package upload

import (
	"errors"
	"fmt"
	"slices"
)

type State int

const (
	Idle State = iota
	StrategySelected
	SinglePutInFlight
	MultipartInitiated
	PartsUploading
	Finalizing
	Completed
	Failed
)

var stateNames = [...]string{
	Idle:               "idle",
	StrategySelected:   "strategy_selected",
	SinglePutInFlight:  "single_put_in_flight",
	MultipartInitiated: "multipart_initiated",
	PartsUploading:     "parts_uploading",
	Finalizing:         "finalizing",
	Completed:          "completed",
	Failed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// transitions lists the legal successors of every state.
var transitions = map[State][]State{
	Idle:               {StrategySelected, Failed},
	StrategySelected:   {SinglePutInFlight, MultipartInitiated, Failed},
	SinglePutInFlight:  {Finalizing, Failed},
	MultipartInitiated: {PartsUploading, Failed},
	PartsUploading:     {PartsUploading, Finalizing, Failed},
	Finalizing:         {Completed, Failed},
}

var ErrIllegalTransition = errors.New("upload: illegal state transition")

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// session is the state of one upload. It is owned by a single Upload call.
type session struct {
	state   State
	onState func(State)
}

func (s *session) to(next State) error {
	if !CanTransition(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, next)
	}
	s.state = next
	if s.onState != nil {
		s.onState(next)
	}
	return nil
}

type Strategy int

const (
	SinglePart Strategy = iota
	Multipart
)

func (s Strategy) String() string {
	if s == Multipart {
		return "multipart"
	}
	return "single"
}

// SelectStrategy picks single-part below threshold and multipart otherwise.
func SelectStrategy(size, threshold int64) Strategy {
	if size < threshold {
		return SinglePart
	}
	return Multipart
}

// PartCount is ceil(size / chunk).
func PartCount(size, chunk int64) int {
	if size <= 0 || chunk <= 0 {
		return 0
	}
	return int((size + chunk - 1) / chunk)
}

// partRange is the byte range [off, off+n) of 1-based part number p.
func partRange(p int, size, chunk int64) (off, n int64) {
	off = int64(p-1) * chunk
	n = min(chunk, size-off)
	return off, n
}
